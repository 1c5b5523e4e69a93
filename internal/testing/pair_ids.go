package testing

// PairIDs splits a userIDs slice into sender/receiver pairs where the first
// provided userID is always the sender, e.g. [0, 1, 2, 3] -> [[0,1], [0,2], [0,3]].
// Useful for building direct-thread fixtures around a single author.
func PairIDs(userIDs []int64) [][2]int64 {
	pairs := make([][2]int64, 0, len(userIDs)-1)
	for i := 1; i < len(userIDs); i++ {
		pairs = append(pairs, [2]int64{userIDs[0], userIDs[i]})
	}

	return pairs
}

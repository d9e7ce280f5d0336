package testrun

// RunArgs returns the arguments passed to the run script.
func RunArgs(testsOnly bool, ids ...string) []string {
	args := make([]string, 0, len(ids)+1)
	if testsOnly {
		args = append(args, "-TestsOnly")
	}
	return append(args, ids...)
}

// splitBatches packs ids, in order, into as few batches as possible so that the ids of a batch joined by
// spaces are at most maxLength characters long. An id longer than maxLength gets its own batch.
// A non-positive maxLength puts every id in a single batch.
func splitBatches(ids []string, maxLength int) [][]string {
	if len(ids) == 0 {
		return nil
	}
	if maxLength <= 0 {
		return [][]string{ids}
	}

	var (
		batches [][]string
		current []string
		length  int
	)

	for _, id := range ids {
		added := len(id)
		if len(current) > 0 {
			added++ //separator
		}

		if len(current) > 0 && length+added > maxLength {
			batches = append(batches, current)
			current = nil
			length = 0
			added = len(id)
		}

		current = append(current, id)
		length += added
	}

	return append(batches, current)
}

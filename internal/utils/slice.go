package utils

func MapSlice[T any, U any](s []T, mapper func(e T) U) []U {
	result := make([]U, len(s))

	for i, e := range s {
		result[i] = mapper(e)
	}

	return result
}

func FilterSlice[T any](s []T, filter func(e T) bool) []T {
	result := make([]T, 0)

	for _, e := range s {
		if filter(e) {
			result = append(result, e)
		}
	}

	return result
}

// DedupStable removes duplicate elements, the first occurrence of each element is kept in place.
func DedupStable[T comparable](s []T) []T {
	seen := make(map[T]struct{}, len(s))
	result := make([]T, 0, len(s))

	for _, e := range s {
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		result = append(result, e)
	}

	return result
}

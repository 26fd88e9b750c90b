package util

import "strconv"

// Plural renders a count with its noun.  An empty plural form defaults to
// the singular plus "s".
func Plural(count int, singular, plural string) string {
	word := singular
	if count != 1 {
		word = plural
		if word == "" {
			word = singular + "s"
		}
	}
	return strconv.Itoa(count) + " " + word
}

// Contains reports whether needle occurs in haystack.
func Contains[T comparable](haystack []T, needle T) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}

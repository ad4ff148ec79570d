package domain

// PageRequest selects a window of an ordered result.
type PageRequest struct {
	Offset int
	Limit  int
}

// Page is a window of results together with the total match count.
type Page[T any] struct {
	Items []T
	Total int
}

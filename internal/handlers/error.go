package handlers

// ErrorResponse is the error body of the payment webhook. The other endpoints use echo's
// HTTPError body ({"message": ...}).
type ErrorResponse struct {
	Error string `json:"error"`
}

package main

import (
	"encoding/json"
	"net/http"
)

// problemDetail is an RFC7807 problem body.
type problemDetail struct {
	Type   string `json:"type,omitempty"`
	Title  string `json:"title"`
	Detail string `json:"detail,omitempty"`
	Status int    `json:"status"`
}

func writeProblem(w http.ResponseWriter, status int, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problemDetail{
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

package utils

import (
	"encoding/json"
	"net/http"
)

// SendJSONResponse writes v as a JSON body
func SendJSONResponse(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// SendErrorResponse writes {"error": msg}. The status stays 200 like the rest of the admin API.
func SendErrorResponse(w http.ResponseWriter, msg string) {
	SendJSONResponse(w, map[string]string{"error": msg})
}

// SendOK writes "OK" as JSON
func SendOK(w http.ResponseWriter) {
	SendJSONResponse(w, "OK")
}

package api

import (
	"encoding/json"
	"net/http"

	"project-tachyon/internal/service"
	"project-tachyon/internal/storage"
	"project-tachyon/internal/transfer"
)

// BrowserParams is the payload a browser-extension companion posts to
// trigger a download, kept from the teacher's own browser-trigger
// endpoint and generalized onto service.TaskConfig.
type BrowserParams struct {
	URL       string `json:"url"`
	Cookies   string `json:"cookies"` // Raw string "a=b; c=d"
	UserAgent string `json:"user_agent"`
	Referer   string `json:"referer"`
	Filename  string `json:"filename"`
	SavePath  string `json:"save_path"`
	UID       string `json:"uid"`
}

func (s *ControlServer) handleBrowserTrigger(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	var params BrowserParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if params.URL == "" {
		http.Error(w, "URL required", http.StatusBadRequest)
		return
	}

	var headers []storage.HeaderPair
	if params.Cookies != "" {
		headers = append(headers, storage.HeaderPair{Key: "Cookie", Value: params.Cookies})
	}
	if params.UserAgent != "" {
		headers = append(headers, storage.HeaderPair{Key: "User-Agent", Value: params.UserAgent})
	} else {
		headers = append(headers, storage.HeaderPair{Key: "User-Agent", Value: transfer.GenericUserAgent})
	}
	if params.Referer != "" {
		headers = append(headers, storage.HeaderPair{Key: "Referer", Value: params.Referer})
	}

	savePath := params.SavePath
	if savePath == "" {
		savePath = params.Filename
	}

	uid := params.UID
	if uid == "" {
		uid = "browser-extension"
	}

	id, err := s.svc.Create(service.TaskConfig{
		UID: uid, Action: "download", Mode: "background",
		URL: params.URL, Method: http.MethodGet, FilePath: savePath,
		Headers: headers, RetryAllowed: true, FollowRedirects: true,
	})
	if err != nil {
		s.audit.Log("127.0.0.1", r.UserAgent(), "POST /v1/browser/trigger", 500, err.Error())
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.audit.Log("127.0.0.1", r.UserAgent(), "POST /v1/browser/trigger", 200, "started")

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "started",
		"task_id": id,
	})
}

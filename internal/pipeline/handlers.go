package pipeline

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/checkthis/receipts/internal/session"
)

// stateResponse is the envelope every pipeline endpoint returns: the current
// state plus whatever the operation produced
type stateResponse struct {
	State  State              `json:"state"`
	User   *session.UserState `json:"user,omitempty"`
	Result *Result            `json:"result,omitempty"`
}

// corsError writes an error response with CORS headers set
func corsError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	http.Error(w, message, code)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	setCORSHeaders(w)
	writeJSON(w, code, map[string]string{"error": message})
}

// handleSubmitReceipt accepts a receipt image and runs extraction. The
// extracted preview is returned without any gating check.
func (s *Server) handleSubmitReceipt(w http.ResponseWriter, r *http.Request) {
	// Max 50MB to handle high-resolution phone photos
	maxFormSize := int64(50 << 20)
	if err := r.ParseMultipartForm(maxFormSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		errorMsg := "Error parsing form"
		if err.Error() == "http: request body too large" {
			errorMsg = "File is too large. Maximum size is 50MB. Please compress or resize your image."
		}
		writeJSONError(w, http.StatusBadRequest, errorMsg)
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		slog.Error("Error getting file from form", "error", err)
		writeJSONError(w, http.StatusBadRequest, "No file provided")
		return
	}
	defer f.Close()

	if header.Size > maxFormSize {
		writeJSONError(w, http.StatusBadRequest, "File is too large. Maximum size is 50MB.")
		return
	}

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		writeJSONError(w, http.StatusInternalServerError, "Error reading file. Please try again.")
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		ext := strings.ToLower(filepath.Ext(header.Filename))
		switch ext {
		case ".jpg", ".jpeg":
			contentType = "image/jpeg"
		case ".png":
			contentType = "image/png"
		case ".pdf":
			contentType = "application/pdf"
		case ".heic":
			contentType = "image/heic"
		case ".heif":
			contentType = "image/heif"
		default:
			contentType = "application/octet-stream"
		}
	}
	contentType = strings.ToLower(strings.TrimSpace(contentType))

	preview, err := s.pipeline.Submit(data, contentType, r.FormValue("country"))
	if err != nil {
		if errors.Is(err, ErrScanInFlight) || errors.Is(err, ErrScanCanceled) {
			writeJSONError(w, http.StatusConflict, err.Error())
			return
		}
		slog.Error("Error extracting receipt", "filename", header.Filename, "error", err)
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"state":   s.pipeline.State(),
		"preview": preview,
	})
}

// handleUnlock advances the pending receipt through the gates
func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	result, err := s.pipeline.Unlock()
	if err != nil {
		if errors.Is(err, ErrNothingPending) {
			// Unlock without a pending receipt is a no-op, not an error
			writeJSON(w, http.StatusOK, stateResponse{State: s.pipeline.State()})
			return
		}
		slog.Error("Error committing receipt", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	user := s.pipeline.User()
	writeJSON(w, http.StatusOK, stateResponse{State: s.pipeline.State(), User: &user, Result: result})
}

func (s *Server) handleCloseGate(w http.ResponseWriter, r *http.Request) {
	s.pipeline.CloseGate()
	writeJSON(w, http.StatusOK, stateResponse{State: s.pipeline.State()})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.pipeline.Cancel()
	writeJSON(w, http.StatusOK, stateResponse{State: s.pipeline.State()})
}

// handleLogin authenticates and resumes any pending receipt
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		corsError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	user, result, err := s.pipeline.Login(req.Email, req.Password)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, stateResponse{State: s.pipeline.State(), User: user, Result: result})
}

func (s *Server) handleSocialLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Provider string `json:"provider"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		corsError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	user, result, err := s.pipeline.SocialLogin(req.Provider)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, stateResponse{State: s.pipeline.State(), User: user, Result: result})
}

// handleUpgrade applies a successful checkout and resumes any pending receipt
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Plan string `json:"plan"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		corsError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	user, result, err := s.pipeline.Upgrade(session.PlanTier(req.Plan))
	if err != nil {
		if errors.Is(err, ErrLoginRequired) {
			writeJSONError(w, http.StatusForbidden, err.Error())
			return
		}
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, stateResponse{State: s.pipeline.State(), User: user, Result: result})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	guest, err := s.pipeline.Logout()
	if err != nil {
		slog.Error("Error during logout", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stateResponse{State: s.pipeline.State(), User: guest})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	user := s.pipeline.User()
	writeJSON(w, http.StatusOK, &user)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, stateResponse{State: s.pipeline.State()})
}

// handlePrices returns recorded price history for a product
func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	product := r.URL.Query().Get("product")
	if product == "" {
		corsError(w, "product query parameter required", http.StatusBadRequest)
		return
	}

	records, err := s.pipeline.PriceHistory(product)
	if err != nil {
		slog.Error("Error reading price history", "product", product, "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, records)
}

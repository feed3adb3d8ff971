package pipeline

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"regexp"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/checkthis/receipts/internal/priceindex"
	"github.com/checkthis/receipts/internal/reward"
	"github.com/checkthis/receipts/internal/session"
)

var _ = Describe("Server", func() {
	var (
		scanner     *mockScanner
		sessions    *mockSessionStore
		prices      *mockPriceWriter
		evaluator   *mockEvaluator
		pipeline    *Pipeline
		auth        BasicAuth
		server      *Server
		ghttpServer *ghttp.Server
	)

	setupServer := func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
		server = NewServerWithMux(pipeline, auth, http.NewServeMux())
		ghttpServer = ghttp.NewServer()
		for _, method := range []string{http.MethodGet, http.MethodPost} {
			ghttpServer.RouteToHandler(method, regexp.MustCompile(`.*`), server.ServeHTTP)
		}
	}

	newTestPipeline := func() *Pipeline {
		clock := &fixedTimeSource{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
		p, err := NewWithClock(scanner, sessions, prices, evaluator, "PL", clock)
		Expect(err).NotTo(HaveOccurred())
		return p
	}

	uploadReceipt := func(filename string) *http.Response {
		var b bytes.Buffer
		writer := multipart.NewWriter(&b)
		part, _ := writer.CreateFormFile("file", filename)
		part.Write([]byte("fake image data"))
		writer.Close()

		resp, err := http.Post(ghttpServer.URL()+"/api/receipts", writer.FormDataContentType(), &b)
		ExpectWithOffset(1, err).NotTo(HaveOccurred())
		return resp
	}

	postJSON := func(path string, payload any) *http.Response {
		body, _ := json.Marshal(payload)
		resp, err := http.Post(ghttpServer.URL()+path, "application/json", bytes.NewBuffer(body))
		ExpectWithOffset(1, err).NotTo(HaveOccurred())
		return resp
	}

	decodeState := func(resp *http.Response) stateResponse {
		defer resp.Body.Close()
		var envelope stateResponse
		body, err := io.ReadAll(resp.Body)
		ExpectWithOffset(1, err).NotTo(HaveOccurred())
		ExpectWithOffset(1, json.Unmarshal(body, &envelope)).NotTo(HaveOccurred())
		return envelope
	}

	BeforeEach(func() {
		scanner = &mockScanner{data: sampleReceipt()}
		sessions = &mockSessionStore{}
		prices = &mockPriceWriter{}
		evaluator = &mockEvaluator{analysis: acceptedAnalysis()}
		pipeline = newTestPipeline()
		auth = BasicAuth{}
		setupServer()
	})

	AfterEach(func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
	})

	Describe("handleSubmitReceipt", func() {
		When("extraction succeeds", func() {
			It("should return status Created", func() {
				resp := uploadReceipt("receipt.jpg")
				Expect(resp.StatusCode).To(Equal(http.StatusCreated))
				resp.Body.Close()
			})

			It("should return the preview and the pending state", func() {
				resp := uploadReceipt("receipt.jpg")
				defer resp.Body.Close()

				var response struct {
					State   State           `json:"state"`
					Preview json.RawMessage `json:"preview"`
				}
				body, err := io.ReadAll(resp.Body)
				Expect(err).NotTo(HaveOccurred())
				Expect(json.Unmarshal(body, &response)).NotTo(HaveOccurred())
				Expect(response.State).To(Equal(StatePreviewPending))
				Expect(string(response.Preview)).To(ContainSubstring("Biedronka"))
			})

			It("should set Content-Type to application/json", func() {
				resp := uploadReceipt("receipt.jpg")
				defer resp.Body.Close()
				Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))
			})
		})

		When("no file is provided", func() {
			It("should return status Bad Request", func() {
				var b bytes.Buffer
				writer := multipart.NewWriter(&b)
				writer.Close()

				resp, err := http.Post(ghttpServer.URL()+"/api/receipts", writer.FormDataContentType(), &b)
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				resp.Body.Close()
			})
		})

		When("invalid multipart form", func() {
			It("should return status Bad Request", func() {
				resp, err := http.Post(ghttpServer.URL()+"/api/receipts", "multipart/form-data", bytes.NewBufferString("invalid"))
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				resp.Body.Close()
			})
		})

		When("extraction fails", func() {
			BeforeEach(func() {
				scanner.err = errors.New("model unavailable")
			})

			It("should return status Bad Request", func() {
				resp := uploadReceipt("receipt.jpg")
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				resp.Body.Close()
			})

			It("should return error in JSON", func() {
				resp := uploadReceipt("receipt.jpg")
				defer resp.Body.Close()
				var response map[string]string
				body, err := io.ReadAll(resp.Body)
				Expect(err).NotTo(HaveOccurred())
				Expect(json.Unmarshal(body, &response)).NotTo(HaveOccurred())
				Expect(response["error"]).To(ContainSubstring("model unavailable"))
			})
		})
	})

	Describe("handleUnlock", func() {
		When("nothing is pending", func() {
			It("should return status OK with the idle state", func() {
				resp, err := http.Post(ghttpServer.URL()+"/api/receipts/unlock", "application/json", nil)
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(decodeState(resp).State).To(Equal(StateIdle))
			})
		})

		When("a guest unlocks a pending receipt", func() {
			It("should open the auth gate", func() {
				uploadReceipt("receipt.jpg").Body.Close()

				resp, err := http.Post(ghttpServer.URL()+"/api/receipts/unlock", "application/json", nil)
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusOK))

				envelope := decodeState(resp)
				Expect(envelope.State).To(Equal(StateAuthGate))
				Expect(envelope.Result).To(BeNil())
			})
		})

		When("a logged-in user unlocks a pending receipt", func() {
			BeforeEach(func() {
				postJSON("/api/login", map[string]string{"email": "anna@example.com", "password": "pw"}).Body.Close()
			})

			It("should commit and return the result", func() {
				uploadReceipt("receipt.jpg").Body.Close()

				resp, err := http.Post(ghttpServer.URL()+"/api/receipts/unlock", "application/json", nil)
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusOK))

				envelope := decodeState(resp)
				Expect(envelope.State).To(Equal(StateIdle))
				Expect(envelope.Result).NotTo(BeNil())
				Expect(envelope.Result.Reward.ReceiptStatus).To(Equal(reward.StatusAccepted))
				Expect(envelope.User.ScanHistory.Total).To(Equal(1))
			})
		})
	})

	Describe("handleLogin", func() {
		When("credentials are valid", func() {
			It("should return status OK with the user", func() {
				resp := postJSON("/api/login", map[string]string{"email": "anna@example.com", "password": "pw"})
				Expect(resp.StatusCode).To(Equal(http.StatusOK))

				envelope := decodeState(resp)
				Expect(envelope.User).NotTo(BeNil())
				Expect(envelope.User.IsLoggedIn).To(BeTrue())
				Expect(envelope.User.Email).To(Equal("anna@example.com"))
			})

			It("should commit a pending receipt as part of the login", func() {
				uploadReceipt("receipt.jpg").Body.Close()
				http.Post(ghttpServer.URL()+"/api/receipts/unlock", "application/json", nil)

				resp := postJSON("/api/login", map[string]string{"email": "anna@example.com", "password": "pw"})
				Expect(resp.StatusCode).To(Equal(http.StatusOK))

				envelope := decodeState(resp)
				Expect(envelope.State).To(Equal(StateIdle))
				Expect(envelope.Result).NotTo(BeNil())
			})
		})

		When("email is missing", func() {
			It("should return status Unauthorized", func() {
				resp := postJSON("/api/login", map[string]string{"password": "pw"})
				Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
				resp.Body.Close()
			})
		})

		When("request body is invalid", func() {
			It("should return status Bad Request", func() {
				resp, err := http.Post(ghttpServer.URL()+"/api/login", "application/json", bytes.NewBufferString("invalid json"))
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				resp.Body.Close()
			})
		})
	})

	Describe("handleSocialLogin", func() {
		When("provider is supported", func() {
			It("should return status OK with the user", func() {
				resp := postJSON("/api/social-login", map[string]string{"provider": "google"})
				Expect(resp.StatusCode).To(Equal(http.StatusOK))

				envelope := decodeState(resp)
				Expect(envelope.User.AuthProvider).To(Equal("google"))
			})
		})

		When("provider is unsupported", func() {
			It("should return status Unauthorized", func() {
				resp := postJSON("/api/social-login", map[string]string{"provider": "myspace"})
				Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
				resp.Body.Close()
			})
		})
	})

	Describe("handleUpgrade", func() {
		When("user is a guest", func() {
			It("should return status Forbidden", func() {
				resp := postJSON("/api/upgrade", map[string]string{"plan": "PERSONAL"})
				Expect(resp.StatusCode).To(Equal(http.StatusForbidden))
				resp.Body.Close()
			})
		})

		When("user is logged in", func() {
			BeforeEach(func() {
				postJSON("/api/login", map[string]string{"email": "anna@example.com", "password": "pw"}).Body.Close()
			})

			It("should apply the new plan", func() {
				resp := postJSON("/api/upgrade", map[string]string{"plan": "PERSONAL"})
				Expect(resp.StatusCode).To(Equal(http.StatusOK))

				envelope := decodeState(resp)
				Expect(envelope.User.Plan).To(Equal(session.PlanPersonal))
			})

			It("should reject an unknown plan", func() {
				resp := postJSON("/api/upgrade", map[string]string{"plan": "PLATINUM"})
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				resp.Body.Close()
			})
		})
	})

	Describe("handleLogout", func() {
		It("should return a fresh guest", func() {
			postJSON("/api/login", map[string]string{"email": "anna@example.com", "password": "pw"}).Body.Close()

			resp, err := http.Post(ghttpServer.URL()+"/api/logout", "application/json", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			envelope := decodeState(resp)
			Expect(envelope.User.IsLoggedIn).To(BeFalse())
			Expect(envelope.State).To(Equal(StateIdle))
		})
	})

	Describe("handleSession", func() {
		It("should return the current user", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/session")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var user session.UserState
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(json.Unmarshal(body, &user)).NotTo(HaveOccurred())
			Expect(user.IsLoggedIn).To(BeFalse())
			Expect(user.FreeReceiptScans).To(Equal(session.DefaultFreeScans))
		})
	})

	Describe("handleState", func() {
		It("should return the pipeline state", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/state")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(decodeState(resp).State).To(Equal(StateIdle))
		})
	})

	Describe("handleCloseGate", func() {
		It("should return to preview with the receipt retained", func() {
			uploadReceipt("receipt.jpg").Body.Close()
			http.Post(ghttpServer.URL()+"/api/receipts/unlock", "application/json", nil)

			resp, err := http.Post(ghttpServer.URL()+"/api/receipts/close", "application/json", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(decodeState(resp).State).To(Equal(StatePreviewPending))
		})
	})

	Describe("handleCancel", func() {
		It("should discard the pending receipt", func() {
			uploadReceipt("receipt.jpg").Body.Close()

			resp, err := http.Post(ghttpServer.URL()+"/api/receipts/cancel", "application/json", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(decodeState(resp).State).To(Equal(StateIdle))
			Expect(pipeline.Pending()).To(BeNil())
		})
	})

	Describe("handlePrices", func() {
		When("records exist", func() {
			BeforeEach(func() {
				prices.records = []priceindex.PriceRecord{
					{ID: "id1", ProductName: "Bread", Price: 6.0, Currency: "PLN"},
				}
			})

			It("should return the records", func() {
				resp, err := http.Get(ghttpServer.URL() + "/api/prices?product=bread")
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusOK))

				var records []priceindex.PriceRecord
				body, err := io.ReadAll(resp.Body)
				Expect(err).NotTo(HaveOccurred())
				Expect(json.Unmarshal(body, &records)).NotTo(HaveOccurred())
				Expect(records).To(HaveLen(1))
				Expect(records[0].ProductName).To(Equal("Bread"))
			})
		})

		When("the product parameter is missing", func() {
			It("should return status Bad Request", func() {
				resp, err := http.Get(ghttpServer.URL() + "/api/prices")
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				resp.Body.Close()
			})
		})
	})

	Describe("authenticate", func() {
		When("no auth is configured", func() {
			It("should return true", func() {
				req, err := http.NewRequest("GET", ghttpServer.URL()+"/api/state", nil)
				Expect(err).NotTo(HaveOccurred())
				Expect(server.authenticate(req)).To(BeTrue())
			})
		})

		When("valid credentials are provided", func() {
			BeforeEach(func() {
				auth = BasicAuth{Username: "user", Password: "pass"}
				setupServer()
			})

			It("should return true", func() {
				req, err := http.NewRequest("GET", ghttpServer.URL()+"/api/state", nil)
				Expect(err).NotTo(HaveOccurred())
				credentials := base64.StdEncoding.EncodeToString([]byte("user:pass"))
				req.Header.Set("Authorization", "Basic "+credentials)
				Expect(server.authenticate(req)).To(BeTrue())
			})
		})

		When("invalid credentials are provided", func() {
			BeforeEach(func() {
				auth = BasicAuth{Username: "user", Password: "pass"}
				setupServer()
			})

			It("should return false", func() {
				req, err := http.NewRequest("GET", ghttpServer.URL()+"/api/state", nil)
				Expect(err).NotTo(HaveOccurred())
				credentials := base64.StdEncoding.EncodeToString([]byte("user:wrong"))
				req.Header.Set("Authorization", "Basic "+credentials)
				Expect(server.authenticate(req)).To(BeFalse())
			})
		})
	})

	Describe("requireAuth", func() {
		When("request is unauthorized", func() {
			BeforeEach(func() {
				auth = BasicAuth{Username: "user", Password: "pass"}
				setupServer()
			})

			It("should return status Unauthorized", func() {
				resp, err := http.Get(ghttpServer.URL() + "/api/state")
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
				resp.Body.Close()
			})

			It("should set WWW-Authenticate header", func() {
				resp, err := http.Get(ghttpServer.URL() + "/api/state")
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.Header.Get("WWW-Authenticate")).NotTo(BeEmpty())
			})
		})
	})
})

package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/classbook/backend/internal/access"
	"github.com/MarcoPoloResearchLab/classbook/backend/internal/failure"
	"github.com/MarcoPoloResearchLab/classbook/backend/internal/memories"
	"github.com/MarcoPoloResearchLab/classbook/backend/internal/metadata"
	"github.com/MarcoPoloResearchLab/classbook/backend/internal/schedule"
	"github.com/MarcoPoloResearchLab/classbook/backend/internal/scores"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const objectWarning = "entry removed but its file could not be deleted; it will be retried by the sweep job"

type authCheckPayload struct {
	Password string `json:"password"`
}

func (h *httpHandler) handleAuthCheck(c *gin.Context) {
	var request authCheckPayload
	if !h.bindJSON(c, &request, false) {
		return
	}
	token, err := h.gate.IssueToken(request.Password)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response := gin.H{"success": true}
	if token.Value != "" {
		response["token"] = token.Value
		response["expires_in"] = token.ExpiresIn
	}
	c.JSON(http.StatusOK, response)
}

type addMemoryPayload struct {
	Title         string `json:"title"`
	Date          string `json:"date"`
	FileName      string `json:"filename"`
	ContentBase64 string `json:"contentBase64"`
	Password      string `json:"password"`
}

func (h *httpHandler) handleAddMemory(c *gin.Context) {
	var request addMemoryPayload
	if !h.bindJSON(c, &request, false) {
		return
	}
	credential := credentialFrom(c, request.Password)
	content, err := decodeContent(request.ContentBase64)
	if err != nil {
		h.rejectInput(c, credential, err)
		return
	}

	ctx, cancel := h.serviceContext(c)
	defer cancel()
	entry, err := h.memories.Add(ctx, memories.AddRequest{
		Title:      request.Title,
		Date:       request.Date,
		FileName:   request.FileName,
		Content:    content,
		Credential: credential,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (h *httpHandler) handleListMemories(c *gin.Context) {
	page, ok := h.pageFromQuery(c)
	if !ok {
		return
	}
	ctx, cancel := h.serviceContext(c)
	defer cancel()
	listing, err := h.memories.List(ctx, page)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, listing)
}

type updateMemoryPayload struct {
	Path     string `json:"path"`
	Title    string `json:"title"`
	Date     string `json:"date"`
	Password string `json:"password"`
}

func (h *httpHandler) handleUpdateMemory(c *gin.Context) {
	var request updateMemoryPayload
	if !h.bindJSON(c, &request, false) {
		return
	}
	ctx, cancel := h.serviceContext(c)
	defer cancel()
	entry, err := h.memories.Update(ctx, memories.UpdateRequest{
		Path:       request.Path,
		Title:      request.Title,
		Date:       request.Date,
		Credential: credentialFrom(c, request.Password),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "entry": entry})
}

type deleteMemoryPayload struct {
	Path     string `json:"path"`
	Password string `json:"password"`
}

func (h *httpHandler) handleDeleteMemory(c *gin.Context) {
	var request deleteMemoryPayload
	if !h.bindJSON(c, &request, true) {
		return
	}
	if request.Path == "" {
		request.Path = c.Query("path")
	}
	ctx, cancel := h.serviceContext(c)
	defer cancel()
	outcome, err := h.memories.Delete(ctx, request.Path, credentialFrom(c, request.Password))
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.writeDeleteOutcome(c, "path", outcome)
}

type addScorePayload struct {
	Year          string `json:"year"`
	Semester      string `json:"semester"`
	ScoreType     string `json:"scoreType"`
	FileName      string `json:"fileName"`
	ContentBase64 string `json:"contentBase64"`
	Password      string `json:"password"`
}

func (h *httpHandler) handleAddScore(service *scores.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var request addScorePayload
		if !h.bindJSON(c, &request, false) {
			return
		}
		credential := credentialFrom(c, request.Password)
		content, err := decodeContent(request.ContentBase64)
		if err != nil {
			h.rejectInput(c, credential, err)
			return
		}

		ctx, cancel := h.serviceContext(c)
		defer cancel()
		entry, err := service.Add(ctx, scores.AddRequest{
			Year:       request.Year,
			Semester:   request.Semester,
			ScoreType:  request.ScoreType,
			FileName:   request.FileName,
			Content:    content,
			Credential: credential,
		})
		if err != nil {
			h.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "entry": entry})
	}
}

func (h *httpHandler) handleListScores(service *scores.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		page, ok := h.pageFromQuery(c)
		if !ok {
			return
		}
		ctx, cancel := h.serviceContext(c)
		defer cancel()
		listing, err := service.List(ctx, page)
		if err != nil {
			h.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, listing)
	}
}

type deleteByIDPayload struct {
	ID       string `json:"id"`
	Password string `json:"password"`
}

func (h *httpHandler) handleDeleteScore(service *scores.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var request deleteByIDPayload
		if !h.bindJSON(c, &request, true) {
			return
		}
		if request.ID == "" {
			request.ID = c.Query("id")
		}
		ctx, cancel := h.serviceContext(c)
		defer cancel()
		outcome, err := service.Delete(ctx, request.ID, credentialFrom(c, request.Password))
		if err != nil {
			h.writeError(c, err)
			return
		}
		h.writeDeleteOutcome(c, "id", outcome)
	}
}

type addSchedulePayload struct {
	Class         string      `json:"class"`
	TkbNumber     flexibleInt `json:"tkbNumber"`
	FileName      string      `json:"fileName"`
	ContentBase64 string      `json:"contentBase64"`
	Password      string      `json:"password"`
}

func (h *httpHandler) handleAddSchedule(c *gin.Context) {
	var request addSchedulePayload
	if !h.bindJSON(c, &request, false) {
		return
	}
	credential := credentialFrom(c, request.Password)
	content, err := decodeContent(request.ContentBase64)
	if err != nil {
		h.rejectInput(c, credential, err)
		return
	}

	ctx, cancel := h.serviceContext(c)
	defer cancel()
	entry, err := h.schedule.Add(ctx, schedule.AddRequest{
		Class:      request.Class,
		TkbNumber:  int(request.TkbNumber),
		FileName:   request.FileName,
		Content:    content,
		Credential: credential,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "entry": entry})
}

func (h *httpHandler) handleListSchedule(c *gin.Context) {
	page, ok := h.pageFromQuery(c)
	if !ok {
		return
	}
	ctx, cancel := h.serviceContext(c)
	defer cancel()
	listing, err := h.schedule.List(ctx, page)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, listing)
}

func (h *httpHandler) handleDeleteSchedule(c *gin.Context) {
	var request deleteByIDPayload
	if !h.bindJSON(c, &request, true) {
		return
	}
	if request.ID == "" {
		request.ID = c.Query("id")
	}
	ctx, cancel := h.serviceContext(c)
	defer cancel()
	outcome, err := h.schedule.Delete(ctx, request.ID, credentialFrom(c, request.Password))
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.writeDeleteOutcome(c, "id", outcome)
}

func (h *httpHandler) writeDeleteOutcome(c *gin.Context, keyField string, outcome metadata.DeleteOutcome) {
	response := gin.H{
		"success":       true,
		keyField:        outcome.Key,
		"objectRemoved": outcome.ObjectRemoved,
	}
	if outcome.Partial() {
		response["warning"] = objectWarning
		if outcome.ObjectPath != "" {
			response["objectPath"] = outcome.ObjectPath
		}
		h.logger.Warn("delete left object behind",
			zap.String("request_id", c.GetString(requestIDContextKey)),
			zap.String("key", outcome.Key),
			zap.String("object_path", outcome.ObjectPath),
			zap.Error(outcome.ObjectErr),
		)
	}
	c.JSON(http.StatusOK, response)
}

// bindJSON decodes the request body into target and writes a validation
// error when it cannot. allowEmpty accepts a missing body so delete routes
// can take their key from the query string.
func (h *httpHandler) bindJSON(c *gin.Context, target any, allowEmpty bool) bool {
	err := c.ShouldBindJSON(target)
	if err == nil {
		return true
	}
	if allowEmpty && errors.Is(err, io.EOF) {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		h.writeValidation(c, "body", "request body too large")
		return false
	}
	h.writeValidation(c, "body", "invalid JSON body")
	return false
}

// rejectInput reports a malformed upload. The credential is still checked
// first so unauthenticated callers learn nothing about input rules.
func (h *httpHandler) rejectInput(c *gin.Context, credential access.Credential, err error) {
	if authErr := h.gate.Authorize(credential); authErr != nil {
		h.writeError(c, authErr)
		return
	}
	h.writeError(c, err)
}

func (h *httpHandler) pageFromQuery(c *gin.Context) (metadata.Page, bool) {
	var page metadata.Page
	for _, field := range []struct {
		name   string
		target *int
	}{
		{name: "page", target: &page.Page},
		{name: "limit", target: &page.Limit},
	} {
		raw := strings.TrimSpace(c.Query(field.name))
		if raw == "" {
			continue
		}
		value, err := strconv.Atoi(raw)
		if err != nil {
			h.writeValidation(c, field.name, field.name+" must be a number")
			return metadata.Page{}, false
		}
		*field.target = value
	}
	return page, true
}

func (h *httpHandler) serviceContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), h.timeout)
}

func credentialFrom(c *gin.Context, password string) access.Credential {
	return access.Credential{
		Password: password,
		Token:    access.BearerToken(c.GetHeader("Authorization")),
	}
}

// decodeContent accepts raw base64 or a data URL.
func decodeContent(raw string) ([]byte, error) {
	payload := strings.TrimSpace(raw)
	if strings.HasPrefix(payload, "data:") {
		if comma := strings.IndexByte(payload, ','); comma >= 0 {
			payload = payload[comma+1:]
		}
	}
	if payload == "" {
		return nil, failure.Invalid("contentBase64", "file content is required")
	}
	content, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, failure.Invalid("contentBase64", "file content is not valid base64")
	}
	return content, nil
}

// flexibleInt accepts both 3 and "3".
type flexibleInt int

func (v *flexibleInt) UnmarshalJSON(data []byte) error {
	var number json.Number
	if err := json.Unmarshal(data, &number); err != nil {
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}
		number = json.Number(strings.TrimSpace(text))
	}
	if number == "" {
		*v = 0
		return nil
	}
	parsed, err := strconv.Atoi(number.String())
	if err != nil {
		return err
	}
	*v = flexibleInt(parsed)
	return nil
}

package controllerapi

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cuemby/hyac/pkg/db"
	"github.com/cuemby/hyac/pkg/errors"
	"github.com/cuemby/hyac/pkg/types"
	"github.com/google/uuid"
)

type createFunctionRequest struct {
	AppID      string `json:"appId"`
	Name       string `json:"name"`
	Type       string `json:"type"`
	TemplateID string `json:"template_id"`
}

// defaultFunctionCode seeds a function with a minimal no-op handler when no
// template_id is given.
const defaultFunctionCode = `function handler(context, request) {
	return {message: "not implemented"};
}
`

func (s *Server) handleFunctionCreate(w http.ResponseWriter, r *http.Request) {
	var req createFunctionRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.AppID == "" || req.Name == "" {
		s.writeError(w, errors.Validation("appId and name are required"))
		return
	}
	fnType := types.FunctionType(req.Type)
	if fnType != types.FunctionTypeEndpoint && fnType != types.FunctionTypeCommon {
		fnType = types.FunctionTypeEndpoint
	}
	if fnType == types.FunctionTypeCommon && !isASCII(req.Name) {
		s.writeError(w, errors.Validation("common function names must be ASCII, got %q", req.Name))
		return
	}

	ctx := r.Context()
	if _, err := s.store.Collection("applications").FindOne(ctx, map[string]any{"app_id": req.AppID}); err == db.ErrNotFound {
		s.writeError(w, errors.NotFound("application %q not found", req.AppID))
		return
	} else if err != nil {
		s.writeError(w, errors.Fatal("failed to look up application", err))
		return
	}
	if existing, _ := s.store.Collection("functions").FindOne(ctx, map[string]any{"app_id": req.AppID, "function_name": req.Name}); existing != nil {
		s.writeError(w, errors.Conflict("function name %q is already in use in this application", req.Name))
		return
	}

	code, err := s.templateCode(ctx, req.TemplateID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	now := time.Now()
	fn := types.Function{
		FunctionID:   uuid.New().String(),
		AppID:        req.AppID,
		FunctionName: req.Name,
		FunctionType: fnType,
		Status:       types.FunctionStatusPublished,
		Code:         code,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Collection("functions").InsertOne(ctx, encodeFunction(fn)); err != nil {
		s.writeError(w, errors.Fatal("failed to create function", err))
		return
	}
	s.writeOK(w, map[string]any{"function_id": fn.FunctionID, "status": fn.Status})
}

func (s *Server) templateCode(ctx context.Context, templateID string) (string, error) {
	if templateID == "" {
		return defaultFunctionCode, nil
	}
	doc, err := s.store.Collection("function_templates").FindOne(ctx, map[string]any{"template_id": templateID})
	if err == db.ErrNotFound {
		return "", errors.NotFound("function template %q not found", templateID)
	} else if err != nil {
		return "", errors.Fatal("failed to look up function template", err)
	}
	code, _ := doc["code"].(string)
	if code == "" {
		return defaultFunctionCode, nil
	}
	return code, nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 127 {
			return false
		}
	}
	return true
}

type updateFunctionCodeRequest struct {
	AppID string `json:"appId"`
	ID    string `json:"id"`
	Code  string `json:"code"`
}

func (s *Server) handleFunctionUpdateCode(w http.ResponseWriter, r *http.Request) {
	var req updateFunctionCodeRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.AppID == "" || req.ID == "" {
		s.writeError(w, errors.Validation("appId and id are required"))
		return
	}

	ctx := r.Context()
	doc, err := s.store.Collection("functions").FindOne(ctx, map[string]any{"app_id": req.AppID, "function_id": req.ID})
	if err == db.ErrNotFound {
		s.writeError(w, errors.NotFound("function %q not found", req.ID))
		return
	} else if err != nil {
		s.writeError(w, errors.Fatal("failed to look up function", err))
		return
	}
	fn := decodeFunction(doc)

	now := time.Now()
	if err := s.store.Collection("function_history").InsertOne(ctx, map[string]any{
		"history_id":  uuid.New().String(),
		"function_id": fn.FunctionID,
		"app_id":      fn.AppID,
		"old_code":    fn.Code,
		"new_code":    req.Code,
		"updated_by":  "",
		"created_at":  now,
	}); err != nil {
		s.writeError(w, errors.Fatal("failed to append function history", err))
		return
	}
	if err := s.store.Collection("functions").UpdateOne(ctx, map[string]any{"function_id": fn.FunctionID}, map[string]any{
		"$set": map[string]any{"code": req.Code, "updated_at": now},
	}); err != nil {
		s.writeError(w, errors.Fatal("failed to update function code", err))
		return
	}
	s.writeOK(w, map[string]any{"function_id": fn.FunctionID})
}

type deleteFunctionRequest struct {
	AppID string `json:"appId"`
	ID    string `json:"id"`
}

func (s *Server) handleFunctionDelete(w http.ResponseWriter, r *http.Request) {
	var req deleteFunctionRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.AppID == "" || req.ID == "" {
		s.writeError(w, errors.Validation("appId and id are required"))
		return
	}

	ctx := r.Context()
	filter := map[string]any{"app_id": req.AppID, "function_id": req.ID}
	if err := s.store.Collection("functions").DeleteOne(ctx, filter); err != nil && err != db.ErrNotFound {
		s.writeError(w, errors.Fatal("failed to delete function", err))
		return
	}
	if err := deleteAll(ctx, s.store.Collection("function_history"), "history_id", map[string]any{"function_id": req.ID}); err != nil {
		s.writeError(w, errors.Fatal("failed to delete function history", err))
		return
	}
	if err := deleteAll(ctx, s.store.Collection("function_metrics"), "metric_id", map[string]any{"function_id": req.ID}); err != nil {
		s.writeError(w, errors.Fatal("failed to delete function metrics", err))
		return
	}
	s.writeOK(w, map[string]any{"function_id": req.ID})
}

// deleteAll removes every document matching filter, one DeleteOne per
// matched id — db.Collection has no DeleteMany, matching the narrow
// single-document contract pkg/taskqueue and pkg/scheduler already use.
func deleteAll(ctx context.Context, col db.Collection, idField string, filter map[string]any) error {
	docs, err := col.Find(ctx, filter)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		id, ok := doc[idField].(string)
		if !ok {
			continue
		}
		if err := col.DeleteOne(ctx, map[string]any{idField: id}); err != nil && err != db.ErrNotFound {
			return err
		}
	}
	return nil
}

type proxyTestRequest struct {
	TargetURL   string            `json:"target_url"`
	Method      string            `json:"method"`
	Headers     map[string]string `json:"headers"`
	QueryParams map[string]string `json:"query_params"`
	Body        string            `json:"body"`
}

// handleFunctionProxyTest performs a server-side fetch of target_url,
// restricted to hosts under the controller's own base domain to guard
// against server-side request forgery to arbitrary hosts.
func (s *Server) handleFunctionProxyTest(w http.ResponseWriter, r *http.Request) {
	var req proxyTestRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.TargetURL == "" {
		s.writeError(w, errors.Validation("target_url is required"))
		return
	}
	target, err := url.Parse(req.TargetURL)
	if err != nil || !strings.HasSuffix(target.Hostname(), "."+s.baseDomain) {
		s.writeError(w, errors.Validation("target_url must be a *.%s host", s.baseDomain))
		return
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	upstreamReq, err := http.NewRequestWithContext(r.Context(), method, req.TargetURL, bytes.NewReader([]byte(req.Body)))
	if err != nil {
		s.writeError(w, errors.Validation("invalid target_url: %v", err))
		return
	}
	for k, v := range req.Headers {
		upstreamReq.Header.Set(k, v)
	}
	q := upstreamReq.URL.Query()
	for k, v := range req.QueryParams {
		q.Set(k, v)
	}
	upstreamReq.URL.RawQuery = q.Encode()

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(upstreamReq)
	if err != nil {
		s.writeError(w, errors.Upstream("proxy_test request failed", err))
		return
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	s.writeOK(w, map[string]any{
		"status_code": resp.StatusCode,
		"headers":     resp.Header,
		"body":        string(body),
	})
}

package api

import (
	"context"
	"net/http"
	"strings"

	"MoltArb/internal/auth"
	xerrors "MoltArb/internal/errors"
	"MoltArb/internal/orchestrator"
	"MoltArb/internal/signer"
)

// registerMessage 为签名服务注册时签名的固定消息。
func registerMessage(address string) string {
	return "register-agent:" + strings.ToLower(address)
}

func (s *Server) handleRoseRegister(w http.ResponseWriter, r *http.Request) {
	identity := auth.IdentityFromContext(r.Context())
	record := auth.AgentFromContext(r.Context())

	address := strings.ToLower(identity.Address().Hex())
	signature, err := identity.SignMessage([]byte(registerMessage(address)))
	if err != nil {
		s.writeError(w, r, xerrors.Wrap(xerrors.CodeInternal, err, "签名注册消息失败"))
		return
	}
	registration, err := s.deps.Signer.Register(r.Context(), address, signature)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Store.SetExternalKey(r.Context(), record.ID, registration.APIKey); err != nil {
		s.writeError(w, r, xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存签名服务凭证失败"))
		return
	}
	s.log.Info("agent registered with signer", "agent_id", record.ID, "address", address)
	writeRaw(w, http.StatusOK, registration.Raw)
}

// roseAction 调用签名服务的一个动作接口。
type roseAction func(ctx context.Context, apiKey string) (signer.Result, error)

func (s *Server) handleRoseDeposit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount flexString `json:"amount"`
	}
	if err := decodeJSON(w, r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Amount == "" {
		s.writeError(w, r, invalid("Missing: amount"))
		return
	}
	s.relay(w, r, "rose.deposit", func(ctx context.Context, apiKey string) (signer.Result, error) {
		return s.deps.Signer.Deposit(ctx, apiKey, req.Amount.String())
	}, nil)
}

func (s *Server) handleRoseStake(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount flexString `json:"amount"`
	}
	if err := decodeJSON(w, r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Amount == "" {
		s.writeError(w, r, invalid("Missing: amount"))
		return
	}
	s.relay(w, r, "rose.stake", func(ctx context.Context, apiKey string) (signer.Result, error) {
		return s.deps.Signer.Stake(ctx, apiKey, req.Amount.String())
	}, nil)
}

func (s *Server) handleRoseClaimTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TaskID flexString `json:"taskId"`
	}
	if err := decodeJSON(w, r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.TaskID == "" {
		s.writeError(w, r, invalid("Missing: taskId"))
		return
	}
	s.relay(w, r, "rose.claim_task", func(ctx context.Context, apiKey string) (signer.Result, error) {
		return s.deps.Signer.ClaimTask(ctx, apiKey, req.TaskID.String())
	}, map[string]any{"taskId": req.TaskID.String(), "claimed": true})
}

func (s *Server) handleRoseComplete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TaskID flexString `json:"taskId"`
		PRURL  string     `json:"prUrl"`
	}
	if err := decodeJSON(w, r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.TaskID == "" {
		s.writeError(w, r, invalid("Missing: taskId"))
		return
	}
	s.relay(w, r, "rose.complete", func(ctx context.Context, apiKey string) (signer.Result, error) {
		return s.deps.Signer.CompleteTask(ctx, apiKey, req.TaskID.String(), req.PRURL)
	}, map[string]any{"taskId": req.TaskID.String()})
}

// relay 用代理的外部凭证获取交易描述并交给编排器顺序执行。
// 签名服务拒绝时以 422 透传其响应；序列部分失败时返回 502，并带上已完成的步骤。
func (s *Server) relay(w http.ResponseWriter, r *http.Request, operation string, action roseAction, extra map[string]any) {
	record := auth.AgentFromContext(r.Context())
	identity := auth.IdentityFromContext(r.Context())
	if !record.HasExternalKey() {
		s.writeError(w, r, xerrors.New(CodeSignerNotRegistered, ""))
		return
	}

	result, err := action(r.Context(), *record.ExternalKey)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if result.Kind == signer.KindFailure {
		s.log.Info("签名服务拒绝请求", "operation", operation, "agent_id", record.ID, "reason", result.Error)
		writeRaw(w, http.StatusUnprocessableEntity, result.Raw)
		return
	}
	steps, err := result.Descriptors()
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx := orchestrator.WithOperation(r.Context(), operation)
	outcome, err := s.deps.Executor.ExecuteSequence(ctx, identity, steps)
	if err != nil && outcome.Failure == nil {
		s.writeError(w, r, err)
		return
	}

	body := result.Fields()
	for k, v := range extra {
		body[k] = v
	}
	results := outcome.Steps
	if results == nil {
		results = []orchestrator.StepResult{}
	}
	body["results"] = results
	body["success"] = outcome.Completed()
	if len(results) > 0 && result.Kind == signer.KindSingle {
		body["txHash"] = results[0].TxHash.Hex()
	}

	if outcome.Failure != nil {
		body["failedStep"] = outcome.Failure
		body["error"] = publicMessage(err)
		body["code"] = string(xerrors.CodeOf(err))
		delete(body, "claimed")
		writeJSON(w, xerrors.StatusOf(err), body)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

// handleRoseTasks 透传任务列表。携带有效 Bearer 且已注册时使用代理的外部凭证。
func (s *Server) handleRoseTasks(w http.ResponseWriter, r *http.Request) {
	apiKey := ""
	if header := r.Header.Get("Authorization"); header != "" {
		record, err := s.deps.Gate.Agent(r.Context(), header)
		switch {
		case err != nil:
			s.log.Debug("任务列表请求未通过鉴权，按匿名转发", "err", err)
		case record.HasExternalKey():
			apiKey = *record.ExternalKey
		}
	}
	tasks, err := s.deps.Signer.Tasks(r.Context(), apiKey)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeRaw(w, http.StatusOK, tasks)
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "PathProof-Chain/internal/errors"
	"PathProof-Chain/internal/instruction"
	"PathProof-Chain/internal/job"
	"PathProof-Chain/internal/ledger"
	"PathProof-Chain/internal/observability/metrics"
	"PathProof-Chain/internal/pathvalidator"
	"PathProof-Chain/pkg/logger"
)

// maxBodyBytes 足以容纳十六进制编码的最大路径及签名。
const maxBodyBytes = 4*instruction.MaxPathLen + 4096

// Validator 是同步验证接口所需的能力。
type Validator interface {
	Validate(ctx context.Context, req pathvalidator.Request) (pathvalidator.Outcome, error)
}

// Accounts 提供账户余额与划转历史查询。
type Accounts interface {
	Balance(ctx context.Context, address common.Address) (uint64, error)
	History(ctx context.Context, address common.Address, limit int) ([]ledger.Record, error)
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr      string
	validator Validator
	jobs      *job.Service
	accounts  Accounts
	logger    *slog.Logger
}

// Option 定义 Server 的可选配置。
type Option func(*Server)

// WithValidator 启用同步验证接口。
func WithValidator(v Validator) Option {
	return func(s *Server) { s.validator = v }
}

// WithJobs 启用异步任务接口。
func WithJobs(svc *job.Service) Option {
	return func(s *Server) { s.jobs = svc }
}

// WithAccounts 启用账户查询接口。
func WithAccounts(a Accounts) Option {
	return func(s *Server) { s.accounts = a }
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, opts ...Option) *Server {
	s := &Server{addr: addr}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.logger == nil {
		s.logger = logger.Named("api")
	}
	return s
}

// Handler 返回注册了全部路由的 http.Handler。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, http.MethodPost, "/api/v1/validations", s.handleValidate)
	s.route(mux, http.MethodPost, "/api/v1/jobs", s.handleSubmitJob)
	s.route(mux, http.MethodGet, "/api/v1/jobs", s.handleListJobs)
	s.route(mux, http.MethodGet, "/api/v1/jobs/{id}", s.handleJobDetail)
	s.route(mux, http.MethodGet, "/api/v1/accounts/{address}", s.handleAccount)
	s.route(mux, http.MethodGet, "/healthz", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// route 注册处理器并记录请求指标。
func (s *Server) route(mux *http.ServeMux, method, path string, h http.HandlerFunc) {
	mux.Handle(method+" "+path, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		metrics.ObserveHTTPRequest(path, method, rec.status, time.Since(start))
	}))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

type validationResponse struct {
	Verdict     pathvalidator.Verdict `json:"verdict"`
	Valid       bool                  `json:"valid"`
	Code        xerrors.Code          `json:"code,omitempty"`
	ProgramCode uint32                `json:"program_code,omitempty"`
	Payer       common.Address        `json:"payer"`
	Reference   string                `json:"reference"`
	Fee         uint64                `json:"fee"`
	FeeCharged  bool                  `json:"fee_charged"`
	Digest      *common.Hash          `json:"digest,omitempty"`
	MaxSpeed    uint8                 `json:"max_speed"`
}

type errorResponse struct {
	Code     xerrors.Code      `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type submitJobRequest struct {
	ID string `json:"id,omitempty"`
	instruction.Envelope
}

type listJobsResponse struct {
	Jobs  []*job.Job `json:"jobs"`
	Stats job.Stats  `json:"stats"`
}

type accountResponse struct {
	Address   common.Address  `json:"address"`
	Balance   uint64          `json:"balance"`
	Transfers []ledger.Record `json:"transfers"`
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	if s.validator == nil {
		s.writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "验证器未初始化"))
		return
	}
	var env instruction.Envelope
	if err := decodeBody(w, r, &env); err != nil {
		s.writeError(w, err)
		return
	}
	req, err := env.Open()
	if err != nil {
		s.writeError(w, err)
		return
	}

	outcome, err := s.validator.Validate(r.Context(), req)
	if err != nil && !pathvalidator.IsVerdictError(err) {
		s.writeError(w, err)
		return
	}
	resp := validationResponse{
		Verdict:     outcome.Verdict,
		Valid:       outcome.Verdict.Valid(),
		ProgramCode: outcome.Verdict.ProgramCode(),
		Payer:       outcome.Payer,
		Reference:   outcome.Reference,
		Fee:         outcome.Fee,
		FeeCharged:  outcome.Charged,
		MaxSpeed:    outcome.MaxSpeed,
	}
	if outcome.HasDigest {
		digest := outcome.Digest
		resp.Digest = &digest
	}
	status := http.StatusOK
	if err != nil {
		resp.Code = xerrors.CodeOf(err)
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		s.writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化"))
		return
	}
	var body submitJobRequest
	if err := decodeBody(w, r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	req, err := body.Envelope.Open()
	if err != nil {
		s.writeError(w, err)
		return
	}
	submitted, err := s.jobs.Submit(r.Context(), job.SubmitRequest{ID: body.ID, Request: req})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitted)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		s.writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化"))
		return
	}
	opts, err := parseListOptions(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	jobs, err := s.jobs.List(r.Context(), opts...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	stats, err := s.jobs.Stats(r.Context(), opts...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listJobsResponse{Jobs: jobs, Stats: stats})
}

func (s *Server) handleJobDetail(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		s.writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化"))
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		s.writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少任务 ID"))
		return
	}
	found, err := s.jobs.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	if s.accounts == nil {
		s.writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "账本未初始化"))
		return
	}
	raw := r.PathValue("address")
	if !common.IsHexAddress(raw) {
		s.writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "账户地址格式不正确"))
		return
	}
	address := common.HexToAddress(raw)
	limit, err := parseInt(r.URL.Query().Get("limit"), 20)
	if err != nil {
		s.writeError(w, err)
		return
	}

	balance, err := s.accounts.Balance(r.Context(), address)
	if err != nil {
		s.writeError(w, err)
		return
	}
	history, err := s.accounts.History(r.Context(), address, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if history == nil {
		history = []ledger.Record{}
	}
	writeJSON(w, http.StatusOK, accountResponse{Address: address, Balance: balance, Transfers: history})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func parseListOptions(r *http.Request) ([]job.ListOption, error) {
	q := r.URL.Query()
	var opts []job.ListOption

	limit, err := parseInt(q.Get("limit"), 0)
	if err != nil {
		return nil, err
	}
	if limit > 0 {
		opts = append(opts, job.WithLimit(limit))
	}
	offset, err := parseInt(q.Get("offset"), 0)
	if err != nil {
		return nil, err
	}
	if offset > 0 {
		opts = append(opts, job.WithOffset(offset))
	}
	if raw := q.Get("status"); raw != "" {
		var statuses []job.Status
		for _, part := range strings.Split(raw, ",") {
			status := job.Status(strings.TrimSpace(part))
			if !job.IsValidStatus(status) {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的任务状态: "+part)
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, job.WithStatuses(statuses...))
	}
	if raw := q.Get("payer"); raw != "" {
		if !common.IsHexAddress(raw) {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "付款方地址格式不正确")
		}
		opts = append(opts, job.WithPayer(common.HexToAddress(raw)))
	}
	if strings.EqualFold(q.Get("order"), "asc") {
		opts = append(opts, job.WithSortOrder(job.SortByUpdatedAsc))
	}
	return opts, nil
}

func parseInt(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "分页参数必须是非负整数")
	}
	return v, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}

// writeError 按错误码映射 HTTP 状态。因存储故障未能扣费时返回 503 而不是 402。
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := xerrors.HTTPStatusOf(err)
	if pathvalidator.IsPaymentFailure(err) && xerrors.RetryableError(err) {
		status = http.StatusServiceUnavailable
	}
	resp := errorResponse{Code: xerrors.CodeOf(err), Message: err.Error()}
	if e, ok := xerrors.From(err); ok {
		resp.Metadata = e.Metadata()
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("请求处理失败", slog.Any("error", err), slog.String("code", string(resp.Code)))
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

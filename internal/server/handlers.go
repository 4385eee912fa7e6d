package server

import (
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"

	"gaslessrelay/internal/engine"
	"gaslessrelay/internal/intent"
	"gaslessrelay/internal/queue"
	"gaslessrelay/internal/validator"
)

const maxBodyBytes = 64 << 10

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// submitRequest carries integers as base-10 strings and the deadline as unix
// seconds, matching the signed typed data.
type submitRequest struct {
	Asset     string      `json:"asset"`
	From      string      `json:"from"`
	To        string      `json:"to"`
	Amount    string      `json:"amount"`
	MaxFee    string      `json:"maxFee"`
	Nonce     json.Number `json:"nonce"`
	Deadline  json.Number `json:"deadline"`
	Signature string      `json:"signature"`
}

type submitResponse struct {
	ID           string `json:"intentId"`
	Status       string `json:"status"`
	EstimatedFee string `json:"estimatedFee,omitempty"`
	Replayed     bool   `json:"replayed,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, intent.Invalid(intent.CauseMalformed, "invalid json payload"))
		return
	}
	in, err := req.toIntent()
	if err != nil {
		s.writeError(w, err)
		return
	}

	acc, err := s.relay.Submit(r.Context(), in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	code := http.StatusAccepted
	if acc.Replayed {
		code = http.StatusOK
	}
	writeJSON(w, code, submitResponse{
		ID:           acc.ID,
		Status:       string(acc.Status),
		EstimatedFee: bigString(acc.EstimatedFee),
		Replayed:     acc.Replayed,
	})
}

func (req submitRequest) toIntent() (intent.TransferIntent, error) {
	var in intent.TransferIntent
	for _, f := range []struct {
		name, value string
		dst         *common.Address
	}{
		{"asset", req.Asset, &in.Asset},
		{"from", req.From, &in.From},
		{"to", req.To, &in.To},
	} {
		if !common.IsHexAddress(f.value) {
			return in, intent.Invalid(intent.CauseMalformed, "%s must be a hex address", f.name)
		}
		*f.dst = common.HexToAddress(f.value)
	}

	amount, ok := parseInt(req.Amount)
	if !ok {
		return in, intent.Invalid(intent.CauseInvalidAmount, "amount must be a base-10 integer")
	}
	maxFee, ok := parseInt(req.MaxFee)
	if !ok {
		return in, intent.Invalid(intent.CauseInvalidMaxFee, "maxFee must be a base-10 integer")
	}
	in.Amount, in.MaxFee = amount, maxFee

	nonce, err := strconv.ParseUint(req.Nonce.String(), 10, 64)
	if err != nil {
		return in, intent.Invalid(intent.CauseMalformed, "nonce must be an unsigned integer")
	}
	in.Nonce = nonce

	deadline, err := strconv.ParseInt(req.Deadline.String(), 10, 64)
	if err != nil || deadline <= 0 {
		return in, intent.Invalid(intent.CauseMalformed, "deadline must be unix seconds")
	}
	in.Deadline = time.Unix(deadline, 0).UTC()

	sig, err := hexutil.Decode(req.Signature)
	if err != nil {
		return in, intent.Invalid(intent.CauseBadSignature, "signature must be 0x-prefixed hex")
	}
	in.Signature = sig
	return in, nil
}

func parseInt(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	return new(big.Int).SetString(s, 10)
}

type estimateResponse struct {
	Asset                     string    `json:"asset"`
	Symbol                    string    `json:"symbol"`
	FeeInAsset                string    `json:"feeInAsset"`
	AmountAfterFee            string    `json:"amountAfterFee,omitempty"`
	EstimatedInclusionSeconds int64     `json:"estimatedInclusionSeconds"`
	MaxRecommendedFee         string    `json:"maxRecommendedFee"`
	FeeRate                   string    `json:"feeRate"`
	Price                     string    `json:"price"`
	QuoteSource               string    `json:"quoteSource"`
	QuotedAt                  time.Time `json:"quotedAt"`
	Elevated                  bool      `json:"elevated"`
	Degraded                  bool      `json:"degraded"`
}

// handleEstimate answers GET /estimate?asset=&amount=[&from=&to=].
func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	asset := q.Get("asset")
	if !common.IsHexAddress(asset) {
		s.writeError(w, intent.Invalid(intent.CauseMalformed, "asset must be a hex address"))
		return
	}
	var amount *big.Int
	if raw := q.Get("amount"); raw != "" {
		v, ok := parseInt(raw)
		if !ok {
			s.writeError(w, intent.Invalid(intent.CauseInvalidAmount, "amount must be a base-10 integer"))
			return
		}
		amount = v
	}

	fq, err := s.relay.Estimate(r.Context(), common.HexToAddress(asset), amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, estimateResponse{
		Asset:                     fq.Asset.Address.Hex(),
		Symbol:                    fq.Asset.Symbol,
		FeeInAsset:                bigString(fq.Fee),
		AmountAfterFee:            bigString(fq.AmountAfterFee),
		EstimatedInclusionSeconds: int64(fq.EstimatedWait / time.Second),
		MaxRecommendedFee:         bigString(fq.MaxRecommendedFee),
		FeeRate:                   bigString(fq.FeeRate),
		Price:                     fq.Price.String(),
		QuoteSource:               fq.QuoteSource,
		QuotedAt:                  fq.QuotedAt,
		Elevated:                  fq.Elevated,
		Degraded:                  fq.Degraded,
	})
}

type broadcastView struct {
	Attempt      int        `json:"attempt"`
	SubmissionID string     `json:"submissionId"`
	FeeRate      string     `json:"feeRate"`
	Outcome      string     `json:"outcome"`
	Error        string     `json:"error,omitempty"`
	SubmittedAt  time.Time  `json:"submittedAt"`
	ResolvedAt   *time.Time `json:"resolvedAt,omitempty"`
}

type recordView struct {
	ID           string          `json:"intentId"`
	Status       string          `json:"status"`
	Asset        string          `json:"asset"`
	From         string          `json:"from"`
	To           string          `json:"to"`
	Amount       string          `json:"amount"`
	MaxFee       string          `json:"maxFee"`
	Nonce        uint64          `json:"nonce"`
	Deadline     int64           `json:"deadline"`
	Priority     int             `json:"priority"`
	Attempts     int             `json:"attempts"`
	EstimatedFee string          `json:"estimatedFee,omitempty"`
	ActualFee    string          `json:"actualFee,omitempty"`
	Settlement   string          `json:"settlementReference,omitempty"`
	Error        string          `json:"error,omitempty"`
	ErrorCode    string          `json:"errorCode,omitempty"`
	Broadcasts   []broadcastView `json:"broadcasts,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

func viewOf(rec *intent.Record) recordView {
	v := recordView{
		ID:           rec.ID,
		Status:       string(rec.Status),
		Asset:        rec.Intent.Asset.Hex(),
		From:         rec.Intent.From.Hex(),
		To:           rec.Intent.To.Hex(),
		Amount:       bigString(rec.Intent.Amount),
		MaxFee:       bigString(rec.Intent.MaxFee),
		Nonce:        rec.Intent.Nonce,
		Deadline:     rec.Intent.Deadline.Unix(),
		Priority:     rec.Priority,
		Attempts:     rec.Attempts,
		EstimatedFee: bigString(rec.EstimatedFee),
		ActualFee:    bigString(rec.ActualFee),
		Settlement:   rec.Settlement,
		Error:        rec.LastError,
		ErrorCode:    rec.ErrorCode,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	}
	for _, b := range rec.Broadcasts {
		bv := broadcastView{
			Attempt:      b.Attempt,
			SubmissionID: b.SubmissionID,
			FeeRate:      bigString(b.FeeRate),
			Outcome:      string(b.Outcome),
			Error:        b.Error,
			SubmittedAt:  b.SubmittedAt,
		}
		if !b.ResolvedAt.IsZero() {
			at := b.ResolvedAt
			bv.ResolvedAt = &at
		}
		v.Broadcasts = append(v.Broadcasts, bv)
	}
	return v
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := s.relay.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(rec))
}

type assetView struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Decimals int32  `json:"decimals"`
	GasUsage uint64 `json:"gasUsage"`
	Paused   bool   `json:"paused"`
}

func (s *Server) handleAssets(w http.ResponseWriter, r *http.Request) {
	list := s.relay.Whitelist()
	out := struct {
		Version uint64      `json:"version"`
		Assets  []assetView `json:"assets"`
	}{Version: list.Version, Assets: make([]assetView, 0, len(list.Assets))}
	for _, a := range list.Assets {
		out.Assets = append(out.Assets, assetView{
			Address:  a.Address.Hex(),
			Symbol:   a.Symbol,
			Decimals: a.Decimals,
			GasUsage: a.GasUsage,
			Paused:   a.Paused,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	snap := s.relay.QueueSnapshot()
	byAsset := make(map[string]int, len(snap.ByAsset))
	for addr, n := range snap.ByAsset {
		byAsset[addr.Hex()] = n
	}
	byPriority := make(map[string]int, len(snap.ByPriority))
	for p, n := range snap.ByPriority {
		byPriority[strconv.Itoa(p)] = n
	}
	writeJSON(w, http.StatusOK, struct {
		Queued           int            `json:"queued"`
		InFlight         int            `json:"inFlight"`
		ByPriority       map[string]int `json:"byPriority"`
		ByAsset          map[string]int `json:"byAsset"`
		OldestAgeSeconds float64        `json:"oldestAgeSeconds"`
		Deferring        bool           `json:"deferring"`
	}{
		Queued:           snap.Queued,
		InFlight:         snap.InFlight,
		ByPriority:       byPriority,
		ByAsset:          byAsset,
		OldestAgeSeconds: snap.OldestAge.Seconds(),
		Deferring:        snap.Deferring,
	})
}

func (s *Server) handleReplaceAssets(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Assets []assetView `json:"assets"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		s.writeError(w, intent.Invalid(intent.CauseMalformed, "invalid json payload"))
		return
	}
	assets := make([]validator.Asset, 0, len(body.Assets))
	for i, a := range body.Assets {
		if !common.IsHexAddress(a.Address) || a.Symbol == "" || a.GasUsage == 0 {
			s.writeError(w, intent.Invalid(intent.CauseMalformed, "assets[%d] is incomplete", i))
			return
		}
		if a.Decimals < 0 || a.Decimals > validator.MaxDecimals {
			s.writeError(w, intent.Invalid(intent.CauseMalformed, "assets[%d]: decimals must be between 0 and %d", i, validator.MaxDecimals))
			return
		}
		assets = append(assets, validator.Asset{
			Address:  common.HexToAddress(a.Address),
			Symbol:   strings.ToUpper(a.Symbol),
			Decimals: a.Decimals,
			GasUsage: a.GasUsage,
			Paused:   a.Paused,
		})
	}
	version := s.relay.ReplaceAssets(assets)
	writeJSON(w, http.StatusOK, map[string]uint64{"version": version})
}

func (s *Server) handlePrioritize(w http.ResponseWriter, r *http.Request) {
	body := struct {
		Priority *int `json:"priority"`
	}{}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
			s.writeError(w, intent.Invalid(intent.CauseMalformed, "invalid json payload"))
			return
		}
	}
	priority := queue.PriorityFast
	if body.Priority != nil {
		priority = *body.Priority
	}
	rec, err := s.relay.Prioritize(r.Context(), chi.URLParam(r, "id"), priority)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(rec))
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	rec, err := s.relay.Remove(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(rec))
}

// writeError maps the relay error taxonomy onto HTTP.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	errCode := intent.Code(err)
	switch {
	case errors.Is(err, intent.ErrValidation):
		code = http.StatusBadRequest
	case errors.Is(err, intent.ErrReplay), errors.Is(err, intent.ErrDuplicate):
		code = http.StatusConflict
	case errors.Is(err, intent.ErrPricing):
		code = http.StatusServiceUnavailable
	case errors.Is(err, intent.ErrProfitability), errors.Is(err, intent.ErrFeeExceedsMaximum):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, intent.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, intent.ErrTooManyHeld):
		code = http.StatusTooManyRequests
	case errors.Is(err, intent.ErrTerminal):
		code, errCode = http.StatusConflict, "terminal"
	case errors.Is(err, engine.ErrBusy):
		code, errCode = http.StatusConflict, "busy"
	}
	if code == http.StatusInternalServerError {
		s.log.WithError(err).Error("request failed")
	}
	writeJSON(w, code, errorBody{Error: err.Error(), Code: errCode})
}

func bigString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}

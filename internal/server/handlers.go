package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aristath/retrograde/internal/domain"
)

// envelope is the uniform success response shape.
type envelope struct {
	Data     interface{} `json:"data"`
	Metadata metadata    `json:"metadata"`
}

type metadata struct {
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) writeData(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Data: data, Metadata: metadata{Timestamp: time.Now().UTC()}}); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError maps a domain error kind to a status code and a stable wire
// shape.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := domain.ErrorKind(err)
	status := statusForKind(kind)
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("Request failed")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{"kind": kind, "message": err.Error()},
	})
}

func statusForKind(kind string) int {
	switch kind {
	case "NotFound", "UnknownSymbol":
		return http.StatusNotFound
	case "InvalidArgument":
		return http.StatusBadRequest
	case "MarketClosed", "TradingHalted", "NotListedYet", "Delisted", "EventAlreadyApplied":
		return http.StatusConflict
	case "InsufficientCash", "InsufficientShares", "InsufficientFloat", "LimitNotCrossed",
		"CreditTooLow", "LoanUnavailable", "ConcentrationExceeded", "LeverageExceeded":
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.writeError(w, domain.Wrap(domain.ErrInvalidArgument, "malformed JSON body: %v", err))
		return false
	}
	return true
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeData(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "retrograde",
	})
}

// --- clock ---

func (s *Server) timePayload() map[string]interface{} {
	now := s.deps.Engine.Now()
	payload := map[string]interface{}{
		"now":         now,
		"multiplier":  s.deps.Engine.Multiplier(),
		"paused":      s.deps.Engine.Paused(),
		"market_open": s.deps.Clock.IsMarketOpen(now),
	}
	if halt := s.deps.Clock.ActiveHalt(now, ""); halt != nil {
		payload["active_halt"] = map[string]interface{}{
			"id":     halt.ID,
			"reason": halt.Reason,
			"start":  halt.Start,
			"end":    halt.End,
			"scope":  halt.Scope,
		}
	}
	return payload
}

func (s *Server) handleTime(w http.ResponseWriter, r *http.Request) {
	s.writeData(w, http.StatusOK, s.timePayload())
}

func (s *Server) handleTimePause(w http.ResponseWriter, r *http.Request) {
	var err error
	if s.deps.Engine.Paused() {
		err = s.deps.Engine.Resume()
	} else {
		err = s.deps.Engine.Pause()
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, s.timePayload())
}

func (s *Server) handleTimeSpeed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Multiplier int64 `json:"multiplier"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	applied, err := s.deps.Engine.SetSpeed(req.Multiplier)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, map[string]int64{"multiplier": applied})
}

// --- market views ---

func (s *Server) handleStocks(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.deps.Views.Snapshots(s.deps.Engine.Now())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, snaps)
}

func (s *Server) handleStock(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Views.Snapshot(chi.URLParam(r, "symbol"), s.deps.Engine.Now())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, snap)
}

func (s *Server) handleStockHistory(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", 30)
	sma := queryInt(r, "sma", 0)
	points, err := s.deps.Views.History(chi.URLParam(r, "symbol"), days, sma, s.deps.Engine.Now())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, points)
}

func (s *Server) handleMarketIndex(w http.ResponseWriter, r *http.Request) {
	points, err := s.deps.Views.MarketIndex(queryInt(r, "days", 30), s.deps.Engine.Now())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, points)
}

func (s *Server) handleCompany(w http.ResponseWriter, r *http.Request) {
	dossier, err := s.deps.Views.CompanyAt(chi.URLParam(r, "symbol"), s.deps.Engine.Now())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, dossier)
}

func (s *Server) handleNews(w http.ResponseWriter, r *http.Request) {
	s.writeData(w, http.StatusOK, s.deps.Views.News(s.deps.Engine.Now(), queryInt(r, "limit", 50)))
}

func (s *Server) handleEmails(w http.ResponseWriter, r *http.Request) {
	s.writeData(w, http.StatusOK, s.deps.Views.Emails(s.deps.Engine.Now(), queryInt(r, "limit", 50)))
}

// --- account and trading ---

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	summary, err := s.deps.Valuation.Summarize(s.deps.AccountID, s.deps.Engine.Now())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, summary)
}

func (s *Server) handleTrade(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Symbol    string   `json:"symbol"`
		Action    string   `json:"action"`
		Shares    int64    `json:"shares"`
		OrderType string   `json:"order_type"`
		Limit     *float64 `json:"limit"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	order := domain.Order{
		Symbol:   req.Symbol,
		Quantity: req.Shares,
		Kind:     domain.OrderMarket,
	}
	switch req.Action {
	case "buy", "sell", "short", "cover":
		order.Side = domain.OrderSide(req.Action)
	default:
		s.writeError(w, domain.Wrap(domain.ErrInvalidArgument, "action %q", req.Action))
		return
	}
	if req.OrderType == "limit" {
		order.Kind = domain.OrderLimit
		order.LimitPrice = req.Limit
	}

	result, err := s.deps.Engine.ExecuteTrade(order)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, result)
}

func (s *Server) handlePendingOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.deps.Engine.PendingOrders()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, orders)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Engine.CancelOrder(chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// --- index funds ---

func (s *Server) handleIndexFunds(w http.ResponseWriter, r *http.Request) {
	s.writeData(w, http.StatusOK, s.deps.Views.FundSnapshots(s.deps.Engine.Now()))
}

func (s *Server) handleIndexFund(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Views.FundSnapshot(chi.URLParam(r, "symbol"), s.deps.Engine.Now())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, snap)
}

func (s *Server) handleIndexFundHistory(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", 30)
	sma := queryInt(r, "sma", 0)
	points, err := s.deps.Views.FundHistory(chi.URLParam(r, "symbol"), days, sma, s.deps.Engine.Now())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, points)
}

// --- crash scenarios ---

func (s *Server) handleCrashScenarios(w http.ResponseWriter, r *http.Request) {
	statuses := s.deps.Engine.CrashStatuses()
	out := make([]map[string]interface{}, 0, len(statuses))
	for _, st := range statuses {
		entry := map[string]interface{}{
			"id":       st.Scenario.ID,
			"kind":     st.Scenario.Kind,
			"severity": st.Scenario.Severity,
			"start":    st.Scenario.Start,
			"active":   st.Active,
			"dynamic":  st.Dynamic,
		}
		if st.Scenario.End != nil {
			entry["end"] = *st.Scenario.End
		}
		out = append(out, entry)
	}
	s.writeData(w, http.StatusOK, out)
}

func (s *Server) handleCrashTrigger(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	scenario, err := s.deps.Engine.TriggerCrash(req.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, map[string]interface{}{
		"id":    scenario.ID,
		"start": scenario.Start,
	})
}

func (s *Server) handleCrashDeactivate(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Engine.DeactivateCrash(chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

// --- loans ---

func loanJSON(l domain.Loan) map[string]interface{} {
	return map[string]interface{}{
		"id":              l.ID,
		"lender_id":       l.LenderID,
		"principal":       l.Principal.Dollars(),
		"balance":         l.Balance.Dollars(),
		"annual_rate":     l.AnnualRate,
		"originated_at":   l.OriginatedAt,
		"term_days":       l.TermDays,
		"missed_payments": l.MissedPayments,
		"status":          l.Status,
	}
}

func (s *Server) handleLoans(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Loans.Loans(s.deps.AccountID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]map[string]interface{}, 0, len(list))
	for _, l := range list {
		out = append(out, loanJSON(l))
	}
	s.writeData(w, http.StatusOK, out)
}

func (s *Server) handleLenders(w http.ResponseWriter, r *http.Request) {
	lenders := s.deps.Loans.Lenders(s.deps.Engine.Now())
	out := make([]map[string]interface{}, 0, len(lenders))
	for _, l := range lenders {
		out = append(out, map[string]interface{}{
			"id":                  l.ID,
			"name":                l.Name,
			"min_credit_score":    l.MinCreditScore,
			"base_rate":           l.BaseRate,
			"origination_fee_pct": l.OriginationFeePct,
			"term_days":           l.TermDays,
			"max_principal":       l.MaxPrincipal,
		})
	}
	s.writeData(w, http.StatusOK, out)
}

func (s *Server) handleLoanTake(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LenderID       string `json:"lender_id"`
		PrincipalCents int64  `json:"principal_cents"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	loan, err := s.deps.Loans.Take(s.deps.AccountID, req.LenderID, domain.Cents(req.PrincipalCents), s.deps.Engine.Now())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusCreated, loanJSON(*loan))
}

func (s *Server) handleLoanRepay(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AmountCents int64 `json:"amount_cents"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	loan, err := s.deps.Loans.Repay(s.deps.AccountID, chi.URLParam(r, "id"), domain.Cents(req.AmountCents), s.deps.Engine.Now())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, loanJSON(*loan))
}

// --- retention ---

func (s *Server) handleRetentionGet(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.deps.Retention.Get()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, cfg)
}

func (s *Server) handleRetentionSet(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.deps.Retention.Get()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !s.decode(w, r, &cfg) {
		return
	}
	if err := s.deps.Retention.Set(cfg, s.deps.Engine.Now()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, cfg)
}

func (s *Server) handleRetentionPrune(w http.ResponseWriter, r *http.Request) {
	result, err := s.deps.Retention.Prune(s.deps.Engine.Now())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, result)
}

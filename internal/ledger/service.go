// Package ledger owns monetary records: the append-only transaction log,
// balance computation and the deposit/withdrawal review flow.
package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"crashgame/internal/apperror"
	"crashgame/internal/models"
	"crashgame/internal/roundid"
	"crashgame/internal/store"
)

var DefaultMinWithdrawal = decimal.NewFromInt(500)

// Balancer is implemented by stores that can sum a user's confirmed balance
// without returning every row.
type Balancer interface {
	ConfirmedBalance(ctx context.Context, userID string) (decimal.Decimal, error)
}

type Options struct {
	MinWithdrawal decimal.Decimal
}

type Service struct {
	store store.LedgerStore
	locks *UserLocks
	opts  Options
	log   *zap.Logger
}

func NewService(s store.LedgerStore, opts Options) *Service {
	if opts.MinWithdrawal.IsZero() {
		opts.MinWithdrawal = DefaultMinWithdrawal
	}
	return &Service{
		store: s,
		locks: NewUserLocks(),
		opts:  opts,
		log:   zap.L().Named("ledger"),
	}
}

// Locks exposes the per-user lock shared with the settlement engine.
func (s *Service) Locks() *UserLocks { return s.locks }

// Record validates and appends tx.
func (s *Service) Record(ctx context.Context, tx *models.Transaction) error {
	if err := validate(tx); err != nil {
		return err
	}
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	tx.Amount = RoundMoney(tx.Amount)
	if tx.GameDetails != nil {
		tx.GameDetails.GameID = NormalizeGameID(tx.GameDetails.GameID)
	}
	if err := s.store.InsertTransaction(ctx, tx); err != nil {
		return apperror.Persistence(err, "insert transaction %s", tx.ID)
	}
	return nil
}

func validate(tx *models.Transaction) error {
	if tx.UserID == "" {
		return apperror.Validation(apperror.ReasonInvalidRequest, "user id is required")
	}
	if !tx.Type.Valid() {
		return apperror.Invariant("unknown transaction type %q", tx.Type)
	}
	if !tx.Status.Valid() {
		return apperror.Invariant("unknown transaction status %q", tx.Status)
	}
	if tx.AdminApproval != "" && !tx.AdminApproval.Valid() {
		return apperror.Invariant("unknown admin approval %q", tx.AdminApproval)
	}
	return nil
}

// NormalizeGameID canonicalizes ids that carry a UUID. Anything else is kept
// verbatim so the reconciliation job can match it later.
func NormalizeGameID(raw string) string {
	if id, ok := roundid.Normalize(raw); ok {
		return id.String()
	}
	return raw
}

// ComputeBalance sums the user's confirmed records. Credits add their amount,
// debits subtract its absolute value regardless of the stored sign.
func (s *Service) ComputeBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	if b, ok := s.store.(Balancer); ok {
		bal, err := b.ConfirmedBalance(ctx, userID)
		if err != nil {
			return decimal.Zero, apperror.Persistence(err, "balance for %s", userID)
		}
		return bal, nil
	}

	txs, _, err := s.store.ListTransactions(ctx, store.TransactionFilter{
		UserID:   userID,
		Statuses: []models.TransactionStatus{models.StatusConfirmed},
	}, store.Page{})
	if err != nil {
		return decimal.Zero, apperror.Persistence(err, "balance for %s", userID)
	}
	return Sum(txs), nil
}

// Sum applies the balance rule to txs. Only confirmed records count.
func Sum(txs []models.Transaction) decimal.Decimal {
	total := decimal.Zero
	for _, tx := range txs {
		if tx.Status != models.StatusConfirmed {
			continue
		}
		if tx.Type.Credit() {
			total = total.Add(tx.Amount)
		} else {
			total = total.Sub(tx.Amount.Abs())
		}
	}
	return RoundMoney(total)
}

type QueryResult struct {
	Transactions []models.Transaction `json:"transactions"`
	Total        int                  `json:"total"`
	Page         int                  `json:"page"`
	Limit        int                  `json:"limit"`
	Pages        int                  `json:"pages"`
}

func (s *Service) Query(ctx context.Context, filter store.TransactionFilter, page store.Page) (*QueryResult, error) {
	page = page.Normalize(store.DefaultPageLimit)
	if filter.GameID != "" {
		filter.GameID = NormalizeGameID(filter.GameID)
	}
	txs, total, err := s.store.ListTransactions(ctx, filter, page)
	if err != nil {
		return nil, apperror.Persistence(err, "list transactions")
	}
	if txs == nil {
		txs = []models.Transaction{}
	}
	return &QueryResult{
		Transactions: txs,
		Total:        total,
		Page:         page.Page,
		Limit:        page.Limit,
		Pages:        page.Pages(total),
	}, nil
}

type WithdrawalRequest struct {
	UserID   string
	UserName string
	Amount   decimal.Decimal
	Ref      string
}

// SubmitWithdrawal debits the balance immediately. The record is confirmed
// and waits for operator approval.
func (s *Service) SubmitWithdrawal(ctx context.Context, req WithdrawalRequest) (*models.Transaction, error) {
	if !req.Amount.IsPositive() || !HasCents(req.Amount) {
		return nil, apperror.Validation(apperror.ReasonInvalidAmount, "withdrawal amount must be positive with at most two decimals")
	}
	if req.Amount.LessThan(s.opts.MinWithdrawal) {
		return nil, apperror.Validation(apperror.ReasonInvalidAmount, "minimum withdrawal is %s", s.opts.MinWithdrawal.StringFixed(2))
	}

	unlock := s.locks.Lock(req.UserID)
	defer unlock()

	balance, err := s.ComputeBalance(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if balance.LessThan(req.Amount) {
		return nil, apperror.Conflict(apperror.ReasonInsufficientBalance, "balance %s is below %s", balance.StringFixed(2), req.Amount.StringFixed(2))
	}

	tx := &models.Transaction{
		UserID:        req.UserID,
		UserName:      req.UserName,
		Amount:        req.Amount.Neg(),
		Type:          models.TxWithdrawal,
		Status:        models.StatusConfirmed,
		AdminApproval: models.ApprovalPending,
		ExternalRef:   req.Ref,
	}
	if err := s.Record(ctx, tx); err != nil {
		return nil, err
	}
	s.log.Info("withdrawal submitted", zap.String("user_id", req.UserID), zap.String("tx_id", tx.ID), zap.String("amount", req.Amount.StringFixed(2)))
	return tx, nil
}

// ReviewWithdrawal records the operator decision. A rejection does not
// credit the amount back: the record stays confirmed and keeps counting
// against the balance.
func (s *Service) ReviewWithdrawal(ctx context.Context, id string, approval models.Approval, ref, reason string) (*models.Transaction, error) {
	if approval != models.ApprovalApproved && approval != models.ApprovalRejected {
		return nil, apperror.Validation(apperror.ReasonInvalidRequest, "approval must be approved or rejected")
	}
	tx, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.Type != models.TxWithdrawal {
		return nil, apperror.Validation(apperror.ReasonInvalidRequest, "transaction %s is not a withdrawal", id)
	}
	if tx.AdminApproval != models.ApprovalPending {
		return nil, apperror.Conflict(apperror.ReasonAlreadySettled, "withdrawal %s already reviewed", id)
	}

	tx.AdminApproval = approval
	if approval == models.ApprovalRejected {
		tx.RejectionReason = reason
	}
	if ref != "" {
		tx.ExternalRef = ref
	}
	err = s.store.UpdateTransactionReview(ctx, tx)
	if errors.Is(err, store.ErrConflict) {
		return nil, apperror.Conflict(apperror.ReasonAlreadySettled, "withdrawal %s already reviewed", id)
	}
	if err != nil {
		return nil, apperror.Persistence(err, "review withdrawal %s", id)
	}
	s.log.Info("withdrawal reviewed", zap.String("tx_id", id), zap.String("approval", string(approval)))
	return tx, nil
}

type DepositRequest struct {
	UserID   string
	UserName string
	Amount   decimal.Decimal
	Ref      string
}

// SubmitDeposit records a pending deposit. It does not count towards the
// balance until an operator confirms it.
func (s *Service) SubmitDeposit(ctx context.Context, req DepositRequest) (*models.Transaction, error) {
	if !req.Amount.IsPositive() || !HasCents(req.Amount) {
		return nil, apperror.Validation(apperror.ReasonInvalidAmount, "deposit amount must be positive with at most two decimals")
	}
	tx := &models.Transaction{
		UserID:      req.UserID,
		UserName:    req.UserName,
		Amount:      req.Amount,
		Type:        models.TxDeposit,
		Status:      models.StatusPending,
		ExternalRef: req.Ref,
	}
	if err := s.Record(ctx, tx); err != nil {
		return nil, err
	}
	return tx, nil
}

func (s *Service) ReviewDeposit(ctx context.Context, id string, status models.TransactionStatus, reason string) (*models.Transaction, error) {
	if status != models.StatusConfirmed && status != models.StatusRejected {
		return nil, apperror.Validation(apperror.ReasonInvalidRequest, "status must be confirmed or rejected")
	}
	tx, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.Type != models.TxDeposit {
		return nil, apperror.Validation(apperror.ReasonInvalidRequest, "transaction %s is not a deposit", id)
	}
	if tx.Status != models.StatusPending {
		return nil, apperror.Conflict(apperror.ReasonAlreadySettled, "deposit %s already reviewed", id)
	}
	tx.Status = status
	if status == models.StatusRejected {
		tx.RejectionReason = reason
	}
	err = s.store.UpdateTransactionReview(ctx, tx)
	if errors.Is(err, store.ErrConflict) {
		return nil, apperror.Conflict(apperror.ReasonAlreadySettled, "deposit %s already reviewed", id)
	}
	if err != nil {
		return nil, apperror.Persistence(err, "review deposit %s", id)
	}
	s.log.Info("deposit reviewed", zap.String("tx_id", id), zap.String("status", string(status)))
	return tx, nil
}

func (s *Service) get(ctx context.Context, id string) (*models.Transaction, error) {
	tx, err := s.store.GetTransaction(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperror.NotFound("transaction %s not found", id)
	}
	if err != nil {
		return nil, apperror.Persistence(err, "get transaction %s", id)
	}
	return tx, nil
}

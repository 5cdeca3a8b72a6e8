package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"acctagent/models"
)

// ErrAuditImmutable is returned when a caller attempts to mutate the audit log.
var ErrAuditImmutable = errors.New("store: audit log is append-only")

// Store wraps the relational database behind the operations workflows need.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Open connects to the database named by dsn. DSNs beginning with
// "postgres://" or containing "host=" use the postgres driver; anything
// else is treated as a sqlite path, which also backs tests and local mode.
func Open(dsn string) (*Store, error) {
	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	return New(db), nil
}

// New wraps an existing gorm handle.
func New(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// WithClock overrides the timestamp source, for tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// DB exposes the underlying handle for transactional work.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Migrate runs schema migrations and installs the audit guards.
func (s *Store) Migrate() error {
	if err := models.AutoMigrate(s.db); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return InstallAuditGuards(s.db)
}

// Ping verifies database reachability for readiness probes.
func (s *Store) Ping() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

// Transaction runs fn inside one database transaction.
func (s *Store) Transaction(fn func(tx *gorm.DB) error) error {
	return s.db.Transaction(fn)
}

// AppendAudit is the single write path into the audit log. Every decision
// and run transition that matters to an auditor lands here.
func (s *Store) AppendAudit(tx *gorm.DB, actor, action, subjectType, subjectID string, payload any) error {
	if tx == nil {
		tx = s.db
	}
	encoded := ""
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("store: encode audit payload: %w", err)
		}
		encoded = string(raw)
	}
	entry := models.AuditLog{
		ID:          uuid.New(),
		Actor:       actor,
		Action:      action,
		SubjectType: subjectType,
		SubjectID:   subjectID,
		Payload:     encoded,
		TS:          s.now(),
	}
	return tx.Create(&entry).Error
}

// InstallAuditGuards installs BEFORE UPDATE/DELETE triggers on the audit
// table so mutation fails inside the database, not just in code review.
func InstallAuditGuards(db *gorm.DB) error {
	switch db.Dialector.Name() {
	case "sqlite":
		stmts := []string{
			`CREATE TRIGGER IF NOT EXISTS audit_logs_no_update
			BEFORE UPDATE ON audit_logs
			BEGIN SELECT RAISE(ABORT, 'audit log is append-only'); END;`,
			`CREATE TRIGGER IF NOT EXISTS audit_logs_no_delete
			BEFORE DELETE ON audit_logs
			BEGIN SELECT RAISE(ABORT, 'audit log is append-only'); END;`,
		}
		for _, stmt := range stmts {
			if err := db.Exec(stmt).Error; err != nil {
				return fmt.Errorf("store: install audit guard: %w", err)
			}
		}
	case "postgres":
		stmts := []string{
			`CREATE OR REPLACE FUNCTION audit_logs_immutable() RETURNS trigger AS $$
			BEGIN RAISE EXCEPTION 'audit log is append-only'; END;
			$$ LANGUAGE plpgsql;`,
			`DROP TRIGGER IF EXISTS audit_logs_no_update ON audit_logs;`,
			`CREATE TRIGGER audit_logs_no_update BEFORE UPDATE ON audit_logs
			FOR EACH ROW EXECUTE FUNCTION audit_logs_immutable();`,
			`DROP TRIGGER IF EXISTS audit_logs_no_delete ON audit_logs;`,
			`CREATE TRIGGER audit_logs_no_delete BEFORE DELETE ON audit_logs
			FOR EACH ROW EXECUTE FUNCTION audit_logs_immutable();`,
		}
		for _, stmt := range stmts {
			if err := db.Exec(stmt).Error; err != nil {
				return fmt.Errorf("store: install audit guard: %w", err)
			}
		}
	}
	return nil
}

// InsertSnapshot writes a new report snapshot, issuing the next monotonic
// version for (report type, period) inside the supplied transaction.
func (s *Store) InsertSnapshot(tx *gorm.DB, snapshot *models.ReportSnapshot) error {
	if tx == nil {
		return errors.New("store: snapshot insert requires a transaction")
	}
	var maxVersion int
	err := tx.Model(&models.ReportSnapshot{}).
		Where("report_type = ? AND period = ?", snapshot.ReportType, snapshot.Period).
		Select("COALESCE(MAX(version), 0)").
		Scan(&maxVersion).Error
	if err != nil {
		return fmt.Errorf("store: snapshot version lookup: %w", err)
	}
	snapshot.Version = maxVersion + 1
	if snapshot.ID == uuid.Nil {
		snapshot.ID = uuid.New()
	}
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = s.now()
	}
	return tx.Create(snapshot).Error
}

// ListFilter carries the common query filters for listing endpoints.
type ListFilter struct {
	Period string
	RunID  *uuid.UUID
	Status string
	Limit  int
	Offset int
}

// Normalize clamps paging to sane bounds.
func (f *ListFilter) Normalize() {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
}

func (s *Store) scoped(filter ListFilter, periodColumn, statusColumn string) *gorm.DB {
	filter.Normalize()
	q := s.db.Limit(filter.Limit).Offset(filter.Offset)
	if filter.Period != "" && periodColumn != "" {
		if len(filter.Period) == 7 {
			q = q.Where(periodColumn+" LIKE ?", filter.Period+"%")
		} else {
			q = q.Where(periodColumn+" = ?", filter.Period)
		}
	}
	if filter.RunID != nil {
		q = q.Where("run_id = ?", *filter.RunID)
	}
	if filter.Status != "" && statusColumn != "" {
		q = q.Where(statusColumn+" = ?", filter.Status)
	}
	return q
}

// ListVouchers returns mirrored vouchers matching the filter.
func (s *Store) ListVouchers(filter ListFilter) ([]models.Voucher, error) {
	var rows []models.Voucher
	err := s.scoped(filter, "date", "").Order("date, voucher_no").Find(&rows).Error
	return rows, err
}

// ListBankTransactions returns mirrored bank transactions matching the filter.
func (s *Store) ListBankTransactions(filter ListFilter) ([]models.BankTransaction, error) {
	var rows []models.BankTransaction
	err := s.scoped(filter, "date", "match_status").Order("date, bank_tx_ref").Find(&rows).Error
	return rows, err
}

// ListJournalProposals returns journal proposals with their lines.
func (s *Store) ListJournalProposals(filter ListFilter) ([]models.JournalProposal, error) {
	var rows []models.JournalProposal
	err := s.scoped(filter, "", "status").Preload("Lines").Order("created_at").Find(&rows).Error
	return rows, err
}

// ListContractProposals returns contract proposals matching the filter.
func (s *Store) ListContractProposals(filter ListFilter) ([]models.ContractProposal, error) {
	var rows []models.ContractProposal
	err := s.scoped(filter, "", "status").Order("created_at").Find(&rows).Error
	return rows, err
}

// ListIssues returns validation issues matching the filter.
func (s *Store) ListIssues(filter ListFilter) ([]models.ValidationIssue, error) {
	var rows []models.ValidationIssue
	err := s.scoped(filter, "", "resolution").Order("created_at").Find(&rows).Error
	return rows, err
}

// ListSnapshots returns report snapshots matching the filter.
func (s *Store) ListSnapshots(filter ListFilter) ([]models.ReportSnapshot, error) {
	var rows []models.ReportSnapshot
	err := s.scoped(filter, "period", "").Order("report_type, period, version").Find(&rows).Error
	return rows, err
}

// ListForecasts returns cashflow forecast rows matching the filter.
func (s *Store) ListForecasts(filter ListFilter) ([]models.CashflowForecast, error) {
	var rows []models.CashflowForecast
	err := s.scoped(filter, "forecast_date", "").Order("forecast_date").Find(&rows).Error
	return rows, err
}

// ListRuns returns run rows matching the filter.
func (s *Store) ListRuns(filter ListFilter) ([]models.Run, error) {
	var rows []models.Run
	err := s.scoped(filter, "", "status").Order("created_at desc").Find(&rows).Error
	return rows, err
}

// GetRun loads one run row by id.
func (s *Store) GetRun(id uuid.UUID) (*models.Run, error) {
	var run models.Run
	if err := s.db.First(&run, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &run, nil
}

// FindRunByKey returns the run owning the idempotency key, if any.
func (s *Store) FindRunByKey(key string) (*models.Run, error) {
	var run models.Run
	err := s.db.First(&run, "idempotency_key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// ResolveIssue updates only the resolution fields of a validation issue.
func (s *Store) ResolveIssue(id uuid.UUID, resolution, resolvedBy string) error {
	if resolution != models.ResolutionResolved && resolution != models.ResolutionIgnored {
		return fmt.Errorf("store: invalid resolution %q", resolution)
	}
	now := s.now()
	result := s.db.Model(&models.ValidationIssue{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"resolution":  resolution,
			"resolved_by": resolvedBy,
			"resolved_at": &now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// Package store provides GORM-backed persistence for the test
// tracking domain: the authored case tree, plan snapshots, device
// bindings, and the execution run/result subsystem with its
// denormalized counters.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/a719584032-creator/testtrack/pkg/apperr"
	"github.com/a719584032-creator/testtrack/pkg/config"
)

// Store provides persistence for all domain resources.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Users.
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	SeedUsers(ctx context.Context, users []config.AuthUser) error

	// Projects.
	CreateProject(ctx context.Context, p *Project) error
	GetProject(ctx context.Context, id uint) (*Project, error)
	ListProjects(ctx context.Context) ([]Project, error)

	// Device models.
	CreateDeviceModel(ctx context.Context, d *DeviceModel) error
	GetDeviceModel(ctx context.Context, id uint) (*DeviceModel, error)
	ListDeviceModels(ctx context.Context, activeOnly bool) ([]DeviceModel, error)
	UpdateDeviceModel(ctx context.Context, d *DeviceModel) error

	// Case groups.
	CreateCaseGroup(ctx context.Context, g *CaseGroup) error
	GetCaseGroup(ctx context.Context, id uint) (*CaseGroup, error)
	ListCaseGroups(ctx context.Context, projectID uint) ([]CaseGroup, error)
	CollectGroupCaseIDs(ctx context.Context, groupIDs []uint) ([]uint, error)

	// Test cases.
	CreateTestCase(ctx context.Context, c *TestCase) error
	GetTestCase(ctx context.Context, id uint) (*TestCase, error)
	ListTestCases(ctx context.Context, f TestCaseFilter) ([]TestCase, int64, error)
	GetTestCasesByIDs(ctx context.Context, ids []uint) ([]TestCase, error)
	UpdateTestCase(ctx context.Context, c *TestCase, changedBy *uint) error
	SoftDeleteTestCase(ctx context.Context, id uint, changedBy *uint) error
	ListCaseHistory(ctx context.Context, caseID uint, limit int) ([]TestCaseHistory, error)
	RestoreTestCase(ctx context.Context, caseID, historyID uint, changedBy *uint) (*TestCase, error)

	// Plans, snapshots, and device bindings.
	CreatePlan(ctx context.Context, p *TestPlan) error
	GetPlan(ctx context.Context, id uint) (*TestPlan, error)
	ListPlans(ctx context.Context, projectID uint) ([]TestPlan, error)
	UpdatePlan(ctx context.Context, p *TestPlan) error
	SoftDeletePlan(ctx context.Context, id uint) error
	CreatePlanCases(ctx context.Context, cases []PlanCase) error
	GetPlanCase(ctx context.Context, planID, planCaseID uint) (*PlanCase, error)
	ListPlanCases(ctx context.Context, planID uint, f PlanCaseFilter) ([]PlanCase, error)
	SetPlanCaseInclude(ctx context.Context, planID, planCaseID uint, include bool) error
	CreatePlanDeviceModels(ctx context.Context, bindings []PlanDeviceModel) error
	ListPlanDeviceModels(ctx context.Context, planID uint) ([]PlanDeviceModel, error)

	// Execution runs and results.
	OpenRun(ctx context.Context, planID uint, name string, triggeredBy *uint) (*ExecutionRun, error)
	GetRun(ctx context.Context, id uint) (*ExecutionRun, error)
	ListRuns(ctx context.Context, planID uint) ([]ExecutionRun, error)
	LatestRun(ctx context.Context, planID uint) (*ExecutionRun, error)
	FinishRun(ctx context.Context, id uint) (*ExecutionRun, error)
	AbortRun(ctx context.Context, id uint) (*ExecutionRun, error)
	RecordResult(ctx context.Context, upd ResultUpdate) (*ExecutionResult, error)
	ListResults(ctx context.Context, runID uint) ([]ExecutionResult, error)
	CountResults(ctx context.Context, runID uint) (RunCounters, error)
	ListOpenRunIDs(ctx context.Context) ([]uint, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(log logrus.FieldLogger, cfg *config.DatabaseConfig) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	if s.cfg.Driver == "sqlite" {
		// sqlite has a single writer; a pool of connections would also
		// give every connection its own database when using :memory:.
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		sqlDB.SetMaxOpenConns(1)
	}

	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(
		&User{},
		&Project{},
		&DeviceModel{},
		&CaseGroup{},
		&TestCase{},
		&TestCaseHistory{},
		&TestPlan{},
		&PlanCase{},
		&PlanDeviceModel{},
		&ExecutionRun{},
		&ExecutionResult{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// notFound converts gorm's record-not-found into the business error,
// leaving other storage failures wrapped as internal faults.
func notFound(err error, format string, args ...any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.NotFound(format, args...)
	}

	return fmt.Errorf(format+": %w", append(args, err)...)
}

// --- Users ---

func (s *store) GetUserByUsername(
	ctx context.Context, username string,
) (*User, error) {
	var user User
	if err := s.db.WithContext(ctx).
		Where("username = ?", username).
		First(&user).Error; err != nil {
		return nil, notFound(err, "user %q", username)
	}

	return &user, nil
}

// SeedUsers upserts config-sourced users. Only users with
// source="config" are updated; accounts created by other means are
// preserved.
func (s *store) SeedUsers(
	ctx context.Context, users []config.AuthUser,
) error {
	for _, u := range users {
		hash, err := bcrypt.GenerateFromPassword(
			[]byte(u.Password), bcrypt.DefaultCost,
		)
		if err != nil {
			return fmt.Errorf("hashing password for %q: %w", u.Username, err)
		}

		var existing User

		result := s.db.WithContext(ctx).
			Where("username = ? AND source = ?", u.Username, SourceConfig).
			First(&existing)

		if result.Error == nil {
			existing.PasswordHash = string(hash)
			existing.Role = u.Role

			if err := s.db.WithContext(ctx).Save(&existing).Error; err != nil {
				return fmt.Errorf("updating config user %q: %w", u.Username, err)
			}
		} else {
			newUser := User{
				Username:     u.Username,
				PasswordHash: string(hash),
				Role:         u.Role,
				Source:       SourceConfig,
			}

			if err := s.db.WithContext(ctx).
				Where("username = ?", u.Username).
				FirstOrCreate(&newUser).Error; err != nil {
				return fmt.Errorf("seeding config user %q: %w", u.Username, err)
			}
		}
	}

	if len(users) > 0 {
		s.log.WithField("count", len(users)).
			Info("Seeded users from config")
	}

	return nil
}

// --- Projects ---

func (s *store) CreateProject(ctx context.Context, p *Project) error {
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		return fmt.Errorf("creating project: %w", err)
	}

	return nil
}

func (s *store) GetProject(ctx context.Context, id uint) (*Project, error) {
	var p Project
	if err := s.db.WithContext(ctx).First(&p, id).Error; err != nil {
		return nil, notFound(err, "project %d", id)
	}

	return &p, nil
}

func (s *store) ListProjects(ctx context.Context) ([]Project, error) {
	var projects []Project
	if err := s.db.WithContext(ctx).
		Order("id ASC").
		Find(&projects).Error; err != nil {
		return nil, fmt.Errorf("listing projects: %w", err)
	}

	return projects, nil
}

// --- Device models ---

func (s *store) CreateDeviceModel(ctx context.Context, d *DeviceModel) error {
	if err := s.db.WithContext(ctx).Create(d).Error; err != nil {
		return fmt.Errorf("creating device model: %w", err)
	}

	return nil
}

func (s *store) GetDeviceModel(
	ctx context.Context, id uint,
) (*DeviceModel, error) {
	var d DeviceModel
	if err := s.db.WithContext(ctx).First(&d, id).Error; err != nil {
		return nil, notFound(err, "device model %d", id)
	}

	return &d, nil
}

func (s *store) ListDeviceModels(
	ctx context.Context, activeOnly bool,
) ([]DeviceModel, error) {
	q := s.db.WithContext(ctx).Order("id ASC")
	if activeOnly {
		q = q.Where("active = ?", true)
	}

	var devices []DeviceModel
	if err := q.Find(&devices).Error; err != nil {
		return nil, fmt.Errorf("listing device models: %w", err)
	}

	return devices, nil
}

func (s *store) UpdateDeviceModel(ctx context.Context, d *DeviceModel) error {
	if err := s.db.WithContext(ctx).Save(d).Error; err != nil {
		return fmt.Errorf("updating device model: %w", err)
	}

	return nil
}

// utcNow returns the current time in UTC, truncated to milliseconds to
// keep stored values stable across database round-trips.
func utcNow() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

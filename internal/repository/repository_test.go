package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/procurehub/procflow/internal/models"
	"github.com/procurehub/procflow/pkg/database"
)

func newTestDB(t *testing.T) *database.DB {
	t.Helper()

	logger := zap.NewNop()
	db, err := database.New(database.Config{
		Path:            filepath.Join(t.TempDir(), "test.db"),
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Minute,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.NewMigrator(db, logger).RunMigrations())
	return db
}

func seedInstance(t *testing.T, db *database.DB) (*models.WorkflowInstance, *models.StepDefinition) {
	t.Helper()

	logger := zap.NewNop()
	defRepo := NewDefinitionRepository(db.DB, logger)
	instRepo := NewInstanceRepository(db.DB, logger)

	def := &models.WorkflowDefinition{
		Code: "test-flow", Name: "Test flow", Version: 1, IsActive: true,
		Steps: []*models.StepDefinition{{
			StepOrder: 1, Name: "Review",
			ApproverStrategy: models.StrategyUser, ApproverValue: "alice",
			ApprovalMode: models.ModeAny, RejectTargetType: models.RejectTargetInitiator,
			IsTerminal: true,
		}},
	}
	require.NoError(t, defRepo.Create(nil, def))

	instance := &models.WorkflowInstance{
		WorkflowDefinitionID: def.ID,
		RefType:              "CONTRACT",
		RefID:                "C-1",
		Status:               models.InstanceStatusRunning,
		CreatedBy:            "carol",
	}
	require.NoError(t, instRepo.Create(nil, instance))
	return instance, def.Steps[0]
}

func TestFinalizePending_GuardsAgainstDoubleAction(t *testing.T) {
	db := newTestDB(t)
	stepRepo := NewStepRepository(db.DB, zap.NewNop())
	instance, stepDef := seedInstance(t, db)

	step := &models.StepInstance{
		WorkflowInstanceID: instance.ID,
		StepDefinitionID:   stepDef.ID,
		Status:             models.StepStatusPending,
		AssignedTo:         []string{"alice"},
	}
	require.NoError(t, stepRepo.Create(nil, step))

	ok, err := stepRepo.FinalizePending(nil, step.ID, models.StepStatusApproved, "alice", "ok", time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	// second attempt observes the step is no longer pending
	ok, err = stepRepo.FinalizePending(nil, step.ID, models.StepStatusRejected, "alice", "again", time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	reloaded, err := stepRepo.GetByID(step.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusApproved, reloaded.Status)
	assert.Equal(t, "alice", reloaded.ActedBy)
	require.NotNil(t, reloaded.ActedAt)
}

func TestSinglePendingStepInvariant(t *testing.T) {
	db := newTestDB(t)
	stepRepo := NewStepRepository(db.DB, zap.NewNop())
	instance, stepDef := seedInstance(t, db)

	first := &models.StepInstance{
		WorkflowInstanceID: instance.ID,
		StepDefinitionID:   stepDef.ID,
		Status:             models.StepStatusPending,
		AssignedTo:         []string{"alice"},
	}
	require.NoError(t, stepRepo.Create(nil, first))

	// the partial unique index rejects a second pending step in the same run
	second := &models.StepInstance{
		WorkflowInstanceID: instance.ID,
		StepDefinitionID:   stepDef.ID,
		Status:             models.StepStatusPending,
		AssignedTo:         []string{"bob"},
	}
	err := stepRepo.Create(nil, second)
	assert.Error(t, err)
}

func TestSingleActiveInstanceInvariant(t *testing.T) {
	db := newTestDB(t)
	instRepo := NewInstanceRepository(db.DB, zap.NewNop())
	instance, _ := seedInstance(t, db)

	duplicate := &models.WorkflowInstance{
		WorkflowDefinitionID: instance.WorkflowDefinitionID,
		RefType:              instance.RefType,
		RefID:                instance.RefID,
		Status:               models.InstanceStatusRunning,
		CreatedBy:            "dave",
	}
	err := instRepo.Create(nil, duplicate)
	assert.Error(t, err)

	// once the first run finishes, the ref can be routed again
	require.NoError(t, instRepo.Finish(nil, instance.ID, models.InstanceStatusApproved, time.Now()))
	require.NoError(t, instRepo.Create(nil, duplicate))
}

func TestDecisionUniquePerActor(t *testing.T) {
	db := newTestDB(t)
	stepRepo := NewStepRepository(db.DB, zap.NewNop())
	instance, stepDef := seedInstance(t, db)

	step := &models.StepInstance{
		WorkflowInstanceID: instance.ID,
		StepDefinitionID:   stepDef.ID,
		Status:             models.StepStatusPending,
		AssignedTo:         []string{"alice", "bob"},
	}
	require.NoError(t, stepRepo.Create(nil, step))

	require.NoError(t, stepRepo.CreateDecision(nil, &models.StepDecision{
		StepInstanceID: step.ID, ActorID: "alice", Decision: models.DecisionApprove,
	}))
	err := stepRepo.CreateDecision(nil, &models.StepDecision{
		StepInstanceID: step.ID, ActorID: "alice", Decision: models.DecisionApprove,
	})
	assert.Error(t, err)

	decisions, err := stepRepo.ListDecisions(nil, step.ID)
	require.NoError(t, err)
	assert.Len(t, decisions, 1)
}

func TestNotificationCreateIfAbsent(t *testing.T) {
	db := newTestDB(t)
	repo := NewNotificationRepository(db.DB, zap.NewNop())

	n := &models.Notification{
		DedupeKey:   "WORKFLOW_COMPLETED:CONTRACT:C-1:alice",
		RecipientID: "alice",
		Title:       "Approval completed",
		Message:     "done",
		RefType:     "CONTRACT",
		RefID:       "C-1",
	}

	created, err := repo.CreateIfAbsent(n)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = repo.CreateIfAbsent(&models.Notification{
		DedupeKey:   n.DedupeKey,
		RecipientID: "alice",
		Title:       "Approval completed",
		Message:     "done again",
		RefType:     "CONTRACT",
		RefID:       "C-1",
	})
	require.NoError(t, err)
	assert.False(t, created)

	stored, err := repo.GetByDedupeKey(n.DedupeKey)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "done", stored.Message)
}

func TestDirectoryLookups(t *testing.T) {
	db := newTestDB(t)
	repo := NewDirectoryRepository(db.DB, zap.NewNop())
	ctx := context.Background()

	_, err := db.Exec("INSERT INTO users (id, name, is_active) VALUES ('alice', 'Alice', 1), ('bob', 'Bob', 0)")
	require.NoError(t, err)
	_, err = db.Exec("INSERT INTO user_roles (user_id, role) VALUES ('alice', 'manager'), ('bob', 'manager')")
	require.NoError(t, err)

	exists, err := repo.UserExists(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, exists)

	// inactive users do not exist for resolution purposes
	exists, err = repo.UserExists(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, exists)

	members, err := repo.ActiveUsersInRole(ctx, "manager")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, members)

	members, err = repo.ActiveUsersInRole(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, members)
}

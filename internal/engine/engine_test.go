package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/procurehub/procflow/internal/models"
	"github.com/procurehub/procflow/internal/repository"
	"github.com/procurehub/procflow/internal/resolver"
	"github.com/procurehub/procflow/pkg/database"
)

// recordingNotifier captures post-commit events for assertions
type recordingNotifier struct {
	mu        sync.Mutex
	completed []int64
	rejected  []int64
	assigned  []int64
}

func (n *recordingNotifier) WorkflowCompleted(_ context.Context, instance *models.WorkflowInstance, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completed = append(n.completed, instance.ID)
	return nil
}

func (n *recordingNotifier) WorkflowRejected(_ context.Context, instance *models.WorkflowInstance, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rejected = append(n.rejected, instance.ID)
	return nil
}

func (n *recordingNotifier) StepAssigned(_ context.Context, instance *models.WorkflowInstance, _ *models.StepDefinition, _ []string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.assigned = append(n.assigned, instance.ID)
	return nil
}

type harness struct {
	db             *database.DB
	engine         *Engine
	definitionRepo *repository.DefinitionRepository
	instanceRepo   *repository.InstanceRepository
	stepRepo       *repository.StepRepository
	actionLogRepo  *repository.ActionLogRepository
	notifier       *recordingNotifier
}

func newHarness(t *testing.T) *harness {
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

	definitionRepo := repository.NewDefinitionRepository(db.DB, logger)
	instanceRepo := repository.NewInstanceRepository(db.DB, logger)
	stepRepo := repository.NewStepRepository(db.DB, logger)
	actionLogRepo := repository.NewActionLogRepository(db.DB, logger)
	directoryRepo := repository.NewDirectoryRepository(db.DB, logger)

	notif := &recordingNotifier{}
	eng := New(db, definitionRepo, instanceRepo, stepRepo, actionLogRepo,
		resolver.New(directoryRepo, logger), notif, logger)

	return &harness{
		db:             db,
		engine:         eng,
		definitionRepo: definitionRepo,
		instanceRepo:   instanceRepo,
		stepRepo:       stepRepo,
		actionLogRepo:  actionLogRepo,
		notifier:       notif,
	}
}

func (h *harness) seedUser(t *testing.T, id string, roles ...string) {
	t.Helper()
	_, err := h.db.Exec("INSERT INTO users (id, name, is_active) VALUES (?, ?, 1)", id, id)
	require.NoError(t, err)
	for _, role := range roles {
		_, err := h.db.Exec("INSERT INTO user_roles (user_id, role) VALUES (?, ?)", id, role)
		require.NoError(t, err)
	}
}

func (h *harness) seedDefinition(t *testing.T, code string, steps ...*models.StepDefinition) *models.WorkflowDefinition {
	t.Helper()
	def := &models.WorkflowDefinition{
		Code:     code,
		Name:     code,
		Version:  1,
		IsActive: true,
		Steps:    steps,
	}
	require.NoError(t, h.definitionRepo.Create(nil, def))
	return def
}

func (h *harness) pendingStep(t *testing.T, instanceID int64) *models.StepInstance {
	t.Helper()
	steps, err := h.stepRepo.ListByInstance(instanceID)
	require.NoError(t, err)
	for _, s := range steps {
		if s.Status == models.StepStatusPending {
			return s
		}
	}
	t.Fatalf("no pending step for instance %d", instanceID)
	return nil
}

func (h *harness) pendingCount(t *testing.T, instanceID int64) int {
	t.Helper()
	steps, err := h.stepRepo.ListByInstance(instanceID)
	require.NoError(t, err)
	count := 0
	for _, s := range steps {
		if s.Status == models.StepStatusPending {
			count++
		}
	}
	return count
}

func userStep(order int, name, userID string, terminal bool) *models.StepDefinition {
	return &models.StepDefinition{
		StepOrder:        order,
		Name:             name,
		ApproverStrategy: models.StrategyUser,
		ApproverValue:    userID,
		ApprovalMode:     models.ModeAny,
		CanSendBack:      true,
		RejectTargetType: models.RejectTargetPrevious,
		IsTerminal:       terminal,
	}
}

func TestStartWorkflow(t *testing.T) {
	h := newHarness(t)
	h.seedUser(t, "alice")
	h.seedUser(t, "bob")
	h.seedDefinition(t, "purchase-approval",
		userStep(1, "Team lead review", "alice", false),
		userStep(2, "Final sign-off", "bob", true),
	)

	instance, err := h.engine.StartWorkflow(context.Background(), "purchase-approval", "CONTRACT", "C-100", "carol")
	require.NoError(t, err)
	require.NotNil(t, instance)
	assert.Equal(t, models.InstanceStatusRunning, instance.Status)
	require.NotNil(t, instance.CurrentStepDefinitionID)

	step := h.pendingStep(t, instance.ID)
	assert.Equal(t, []string{"alice"}, step.AssignedTo)
	assert.Equal(t, 1, len(h.notifier.assigned))

	t.Run("second active run for the same object is rejected", func(t *testing.T) {
		_, err := h.engine.StartWorkflow(context.Background(), "purchase-approval", "CONTRACT", "C-100", "carol")
		assert.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("unknown definition", func(t *testing.T) {
		_, err := h.engine.StartWorkflow(context.Background(), "no-such-flow", "CONTRACT", "C-200", "carol")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestApprove_AdvancesThenCompletes(t *testing.T) {
	h := newHarness(t)
	h.seedUser(t, "alice")
	h.seedUser(t, "m1", "manager")
	h.seedUser(t, "m2", "manager")
	h.seedDefinition(t, "purchase-approval",
		userStep(1, "Team lead review", "alice", false),
		&models.StepDefinition{
			StepOrder:        2,
			Name:             "Manager sign-off",
			ApproverStrategy: models.StrategyRole,
			ApproverValue:    "manager",
			ApprovalMode:     models.ModeAny,
			CanSendBack:      true,
			RejectTargetType: models.RejectTargetPrevious,
			IsTerminal:       true,
		},
	)

	instance, err := h.engine.StartWorkflow(context.Background(), "purchase-approval", "CONTRACT", "C-1", "carol")
	require.NoError(t, err)
	first := h.pendingStep(t, instance.ID)

	result, err := h.engine.Approve(context.Background(), first.ID, "alice", "looks good")
	require.NoError(t, err)
	assert.Equal(t, OutcomeInProgress, result.Outcome)
	assert.ElementsMatch(t, []string{"m1", "m2"}, result.NextAssignees)

	// the run now points at the second step with a fresh pending instance
	fresh, err := h.instanceRepo.GetByID(instance.ID)
	require.NoError(t, err)
	require.NotNil(t, fresh.CurrentStepDefinitionID)
	assert.Equal(t, *result.NextStepDefinitionID, *fresh.CurrentStepDefinitionID)
	assert.Equal(t, 1, h.pendingCount(t, instance.ID))

	second := h.pendingStep(t, instance.ID)
	result, err = h.engine.Approve(context.Background(), second.ID, "m2", "approved")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, result.Outcome)

	fresh, err = h.instanceRepo.GetByID(instance.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusApproved, fresh.Status)
	assert.Nil(t, fresh.CurrentStepDefinitionID)
	assert.NotNil(t, fresh.CompletedAt)
	assert.Equal(t, 0, h.pendingCount(t, instance.ID))

	entries, err := h.actionLogRepo.ListByInstance(instance.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, models.ActionApprove, entries[0].Action)
	assert.Equal(t, "alice", entries[0].ActorID)
	assert.Equal(t, models.ActionApprove, entries[1].Action)
	assert.Equal(t, "m2", entries[1].ActorID)

	assert.Equal(t, []int64{instance.ID}, h.notifier.completed)
}

func TestApprove_Validation(t *testing.T) {
	h := newHarness(t)
	h.seedUser(t, "alice")
	h.seedUser(t, "bob")
	h.seedDefinition(t, "purchase-approval",
		userStep(1, "Review", "alice", true),
	)

	instance, err := h.engine.StartWorkflow(context.Background(), "purchase-approval", "CONTRACT", "C-1", "carol")
	require.NoError(t, err)
	step := h.pendingStep(t, instance.ID)

	t.Run("unknown step instance", func(t *testing.T) {
		_, err := h.engine.Approve(context.Background(), 99999, "alice", "")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("actor outside the assignee snapshot", func(t *testing.T) {
		_, err := h.engine.Approve(context.Background(), step.ID, "bob", "")
		assert.ErrorIs(t, err, ErrForbidden)
	})

	t.Run("retry after commit conflicts", func(t *testing.T) {
		_, err := h.engine.Approve(context.Background(), step.ID, "alice", "ok")
		require.NoError(t, err)

		_, err = h.engine.Approve(context.Background(), step.ID, "alice", "ok")
		assert.ErrorIs(t, err, ErrInvalidState)

		// no duplicate audit entry from the failed retry
		count, err := h.actionLogRepo.CountByInstance(instance.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})
}

func TestApprove_SnapshotAuthorization(t *testing.T) {
	h := newHarness(t)
	h.seedUser(t, "alice", "reviewer")
	h.seedUser(t, "bob")
	h.seedDefinition(t, "purchase-approval",
		&models.StepDefinition{
			StepOrder:        1,
			Name:             "Review",
			ApproverStrategy: models.StrategyRole,
			ApproverValue:    "reviewer",
			ApprovalMode:     models.ModeAny,
			RejectTargetType: models.RejectTargetInitiator,
			IsTerminal:       true,
		},
	)

	instance, err := h.engine.StartWorkflow(context.Background(), "purchase-approval", "CONTRACT", "C-1", "carol")
	require.NoError(t, err)
	step := h.pendingStep(t, instance.ID)

	// bob acquires the role after assignment; the snapshot still excludes him
	_, err = h.db.Exec("INSERT INTO user_roles (user_id, role) VALUES ('bob', 'reviewer')")
	require.NoError(t, err)

	_, err = h.engine.Approve(context.Background(), step.ID, "bob", "")
	assert.ErrorIs(t, err, ErrForbidden)

	// alice losing the role does not revoke her snapshot authorization
	_, err = h.db.Exec("DELETE FROM user_roles WHERE user_id = 'alice'")
	require.NoError(t, err)

	result, err := h.engine.Approve(context.Background(), step.ID, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, result.Outcome)
}

func TestApprove_AllMode(t *testing.T) {
	h := newHarness(t)
	h.seedUser(t, "alice")
	h.seedUser(t, "bob")
	h.seedDefinition(t, "purchase-approval",
		&models.StepDefinition{
			StepOrder:        1,
			Name:             "Joint review",
			ApproverStrategy: models.StrategyUser,
			ApproverValue:    `["alice","bob"]`,
			ApprovalMode:     models.ModeAll,
			RejectTargetType: models.RejectTargetInitiator,
			CanSendBack:      true,
			IsTerminal:       true,
		},
	)

	instance, err := h.engine.StartWorkflow(context.Background(), "purchase-approval", "CONTRACT", "C-1", "carol")
	require.NoError(t, err)
	step := h.pendingStep(t, instance.ID)
	assert.ElementsMatch(t, []string{"alice", "bob"}, step.AssignedTo)

	// first approval records a decision but does not finalize the step
	result, err := h.engine.Approve(context.Background(), step.ID, "alice", "fine by me")
	require.NoError(t, err)
	assert.Equal(t, OutcomeInProgress, result.Outcome)
	assert.Equal(t, 1, h.pendingCount(t, instance.ID))

	t.Run("same actor cannot decide twice", func(t *testing.T) {
		_, err := h.engine.Approve(context.Background(), step.ID, "alice", "again")
		assert.ErrorIs(t, err, ErrInvalidState)
	})

	// the last assignee's approval finalizes the step and completes the run
	result, err = h.engine.Approve(context.Background(), step.ID, "bob", "agreed")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, result.Outcome)

	fresh, err := h.instanceRepo.GetByID(instance.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusApproved, fresh.Status)
}

func TestApprove_AllModeRejectShortCircuits(t *testing.T) {
	h := newHarness(t)
	h.seedUser(t, "alice")
	h.seedUser(t, "bob")
	h.seedDefinition(t, "purchase-approval",
		&models.StepDefinition{
			StepOrder:        1,
			Name:             "Joint review",
			ApproverStrategy: models.StrategyUser,
			ApproverValue:    `["alice","bob"]`,
			ApprovalMode:     models.ModeAll,
			CanSendBack:      true,
			RejectTargetType: models.RejectTargetInitiator,
			IsTerminal:       true,
		},
	)

	instance, err := h.engine.StartWorkflow(context.Background(), "purchase-approval", "CONTRACT", "C-1", "carol")
	require.NoError(t, err)
	step := h.pendingStep(t, instance.ID)

	_, err = h.engine.Approve(context.Background(), step.ID, "alice", "ok")
	require.NoError(t, err)

	// bob's rejection ends the step immediately despite alice's approval
	result, err := h.engine.SendBack(context.Background(), step.ID, "bob", "missing paperwork")
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, result.Outcome)

	fresh, err := h.instanceRepo.GetByID(instance.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusRejected, fresh.Status)
	assert.Equal(t, []int64{instance.ID}, h.notifier.rejected)
}

func TestApprove_ResolutionFailureAbortsTransition(t *testing.T) {
	h := newHarness(t)
	h.seedUser(t, "alice")
	h.seedDefinition(t, "purchase-approval",
		userStep(1, "Review", "alice", false),
		&models.StepDefinition{
			StepOrder:        2,
			Name:             "Ghost step",
			ApproverStrategy: models.StrategyRole,
			ApproverValue:    "nobody-has-this-role",
			ApprovalMode:     models.ModeAny,
			RejectTargetType: models.RejectTargetInitiator,
			IsTerminal:       true,
		},
	)

	instance, err := h.engine.StartWorkflow(context.Background(), "purchase-approval", "CONTRACT", "C-1", "carol")
	require.NoError(t, err)
	step := h.pendingStep(t, instance.ID)

	_, err = h.engine.Approve(context.Background(), step.ID, "alice", "ok")
	var resErr *resolver.ResolutionError
	require.ErrorAs(t, err, &resErr)

	// the whole transition rolled back: the step is still pending and
	// retriable once the definition is fixed
	reloaded, err := h.stepRepo.GetByID(step.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusPending, reloaded.Status)

	count, err := h.actionLogRepo.CountByInstance(instance.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestSendBack_Previous(t *testing.T) {
	h := newHarness(t)
	h.seedUser(t, "alice")
	h.seedUser(t, "bob")
	h.seedDefinition(t, "purchase-approval",
		userStep(1, "Review", "alice", false),
		userStep(2, "Sign-off", "bob", true),
	)

	instance, err := h.engine.StartWorkflow(context.Background(), "purchase-approval", "CONTRACT", "C-1", "carol")
	require.NoError(t, err)
	first := h.pendingStep(t, instance.ID)

	_, err = h.engine.Approve(context.Background(), first.ID, "alice", "ok")
	require.NoError(t, err)
	second := h.pendingStep(t, instance.ID)

	result, err := h.engine.SendBack(context.Background(), second.ID, "bob", "needs changes")
	require.NoError(t, err)
	assert.Equal(t, OutcomeInProgress, result.Outcome)
	assert.Equal(t, []string{"alice"}, result.NextAssignees)

	// a new pending occurrence of the first step exists; the old one is untouched
	assert.Equal(t, 1, h.pendingCount(t, instance.ID))
	back := h.pendingStep(t, instance.ID)
	assert.NotEqual(t, first.ID, back.ID)
	assert.Equal(t, first.StepDefinitionID, back.StepDefinitionID)

	fresh, err := h.instanceRepo.GetByID(instance.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusRunning, fresh.Status)
	require.NotNil(t, fresh.CurrentStepDefinitionID)
	assert.Equal(t, first.StepDefinitionID, *fresh.CurrentStepDefinitionID)

	entries, err := h.actionLogRepo.ListByInstance(instance.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, models.ActionReject, entries[1].Action)
}

func TestSendBack_Specific(t *testing.T) {
	h := newHarness(t)
	h.seedUser(t, "alice")
	h.seedUser(t, "bob")
	h.seedUser(t, "dave")

	def := h.seedDefinition(t, "purchase-approval",
		userStep(1, "Intake", "alice", false),
		userStep(2, "Budget check", "bob", false),
		userStep(3, "Final sign-off", "dave", true),
	)

	// final step routes rejections all the way back to intake
	intakeID := def.Steps[0].ID
	_, err := h.db.Exec(
		"UPDATE step_definitions SET reject_target_type = ?, reject_target_step_id = ? WHERE id = ?",
		models.RejectTargetSpecific, intakeID, def.Steps[2].ID,
	)
	require.NoError(t, err)

	instance, err := h.engine.StartWorkflow(context.Background(), "purchase-approval", "CONTRACT", "C-1", "carol")
	require.NoError(t, err)

	_, err = h.engine.Approve(context.Background(), h.pendingStep(t, instance.ID).ID, "alice", "")
	require.NoError(t, err)
	_, err = h.engine.Approve(context.Background(), h.pendingStep(t, instance.ID).ID, "bob", "")
	require.NoError(t, err)

	result, err := h.engine.SendBack(context.Background(), h.pendingStep(t, instance.ID).ID, "dave", "start over")
	require.NoError(t, err)
	assert.Equal(t, OutcomeInProgress, result.Outcome)
	require.NotNil(t, result.NextStepDefinitionID)
	assert.Equal(t, intakeID, *result.NextStepDefinitionID)
	assert.Equal(t, []string{"alice"}, result.NextAssignees)
}

func TestSendBack_ForbiddenWhenDisabled(t *testing.T) {
	h := newHarness(t)
	h.seedUser(t, "alice")
	h.seedDefinition(t, "purchase-approval",
		&models.StepDefinition{
			StepOrder:        1,
			Name:             "Review",
			ApproverStrategy: models.StrategyUser,
			ApproverValue:    "alice",
			ApprovalMode:     models.ModeAny,
			CanSendBack:      false,
			RejectTargetType: models.RejectTargetInitiator,
			IsTerminal:       true,
		},
	)

	instance, err := h.engine.StartWorkflow(context.Background(), "purchase-approval", "CONTRACT", "C-1", "carol")
	require.NoError(t, err)

	_, err = h.engine.SendBack(context.Background(), h.pendingStep(t, instance.ID).ID, "alice", "no")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestConcurrentApprove_OnlyOneSucceeds(t *testing.T) {
	h := newHarness(t)
	h.seedUser(t, "alice")
	h.seedUser(t, "bob")
	h.seedDefinition(t, "purchase-approval",
		&models.StepDefinition{
			StepOrder:        1,
			Name:             "Review",
			ApproverStrategy: models.StrategyUser,
			ApproverValue:    `["alice","bob"]`,
			ApprovalMode:     models.ModeAny,
			RejectTargetType: models.RejectTargetInitiator,
			IsTerminal:       true,
		},
	)

	instance, err := h.engine.StartWorkflow(context.Background(), "purchase-approval", "CONTRACT", "C-1", "carol")
	require.NoError(t, err)
	step := h.pendingStep(t, instance.ID)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, actor := range []string{"alice", "bob"} {
		wg.Add(1)
		go func(i int, actor string) {
			defer wg.Done()
			_, errs[i] = h.engine.Approve(context.Background(), step.ID, actor, "")
		}(i, actor)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrInvalidState)
		}
	}
	assert.Equal(t, 1, succeeded)

	count, err := h.actionLogRepo.CountByInstance(instance.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

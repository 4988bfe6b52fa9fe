// Package report renders workflow audit data into spreadsheet form for
// the finance and procurement back office.
package report

import (
	"fmt"
	"time"

	"github.com/procurehub/procflow/internal/models"
	"github.com/procurehub/procflow/internal/repository"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

const auditSheet = "Audit Trail"

// AuditExporter renders a workflow run's action log as an xlsx workbook
type AuditExporter struct {
	instanceRepo   *repository.InstanceRepository
	actionLogRepo  *repository.ActionLogRepository
	definitionRepo *repository.DefinitionRepository
	logger         *zap.Logger
}

// NewAuditExporter creates a new audit exporter
func NewAuditExporter(
	instanceRepo *repository.InstanceRepository,
	actionLogRepo *repository.ActionLogRepository,
	definitionRepo *repository.DefinitionRepository,
	logger *zap.Logger,
) *AuditExporter {
	return &AuditExporter{
		instanceRepo:   instanceRepo,
		actionLogRepo:  actionLogRepo,
		definitionRepo: definitionRepo,
		logger:         logger,
	}
}

// Export builds an xlsx workbook with one row per action log entry of
// the given workflow run. The caller owns closing the returned file.
func (e *AuditExporter) Export(workflowInstanceID int64) (*excelize.File, error) {
	instance, err := e.instanceRepo.GetByID(workflowInstanceID)
	if err != nil {
		return nil, err
	}
	if instance == nil {
		return nil, fmt.Errorf("workflow instance %d not found", workflowInstanceID)
	}

	entries, err := e.actionLogRepo.ListByInstance(workflowInstanceID)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	index, err := f.NewSheet(auditSheet)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	f.SetActiveSheet(index)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to remove default sheet: %w", err)
	}

	if err := e.writeHeader(f, instance); err != nil {
		f.Close()
		return nil, err
	}

	// step names resolved once per distinct step
	stepNames := make(map[int64]string)
	for i, entry := range entries {
		name, err := e.stepName(stepNames, entry.FromStepDefinitionID)
		if err != nil {
			f.Close()
			return nil, err
		}

		row := i + 5
		cells := []interface{}{
			entry.CreatedAt.Format(time.RFC3339),
			entry.Action,
			name,
			entry.ActorID,
			entry.Comment,
		}
		for col, value := range cells {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			if err := f.SetCellValue(auditSheet, cell, value); err != nil {
				f.Close()
				return nil, fmt.Errorf("failed to write cell %s: %w", cell, err)
			}
		}
	}

	e.logger.Info("Exported audit trail",
		zap.Int64("workflow_instance_id", workflowInstanceID),
		zap.Int("entries", len(entries)))

	return f, nil
}

func (e *AuditExporter) writeHeader(f *excelize.File, instance *models.WorkflowInstance) error {
	title := fmt.Sprintf("Approval audit trail: %s %s", instance.RefType, instance.RefID)
	if err := f.SetCellValue(auditSheet, "A1", title); err != nil {
		return fmt.Errorf("failed to write title: %w", err)
	}
	if err := f.SetCellValue(auditSheet, "A2",
		fmt.Sprintf("Status: %s  Submitted by: %s  Submitted at: %s",
			instance.Status, instance.CreatedBy, instance.CreatedAt.Format(time.RFC3339))); err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}

	headers := []string{"Time", "Action", "Step", "Actor", "Comment"}
	for col, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(col+1, 4)
		if err := f.SetCellValue(auditSheet, cell, h); err != nil {
			return fmt.Errorf("failed to write header %s: %w", h, err)
		}
	}
	return nil
}

func (e *AuditExporter) stepName(cache map[int64]string, stepDefinitionID int64) (string, error) {
	if name, ok := cache[stepDefinitionID]; ok {
		return name, nil
	}

	step, err := e.definitionRepo.GetStepByID(stepDefinitionID)
	if err != nil {
		return "", err
	}

	name := fmt.Sprintf("step %d", stepDefinitionID)
	if step != nil {
		name = step.Name
	}
	cache[stepDefinitionID] = name
	return name, nil
}

package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xuri/excelize/v2"

	"github.com/veritest/cbt-service/internal/models"
	"github.com/veritest/cbt-service/internal/repositories"
)

type exportService struct {
	repo   repositories.Repository
	logger *slog.Logger
}

func NewExportService(repo repositories.Repository, logger *slog.Logger) ExportService {
	return &exportService{repo: repo, logger: logger}
}

var resultExportHeader = []string{
	"Student", "Email", "Attempt #", "Score (%)", "Correct", "Wrong",
	"Unanswered", "Total Questions", "End Reason", "Started At", "Submitted At",
}

// ExportTestResults writes all finalized attempts of a test to an .xlsx
// workbook for offline reporting. Staff only.
func (s *exportService) ExportTestResults(ctx context.Context, testID uint, caller *models.User) ([]byte, error) {
	if !caller.IsStaff() {
		return nil, NewPermissionError(caller.ID, testID, "test", "export_results", "staff only")
	}

	test, err := s.repo.Test().GetByID(ctx, testID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrTestNotFound
		}
		return nil, fmt.Errorf("failed to get test: %w", err)
	}

	submitted := true
	attempts, total, err := s.repo.Attempt().ListByTest(ctx, testID, repositories.AttemptFilters{
		Submitted: &submitted,
		SortBy:    "score",
		SortOrder: "desc",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}

	s.logger.Info("Exporting test results",
		"test_id", testID,
		"attempt_count", total,
		"requested_by", caller.ID)

	f := excelize.NewFile()
	defer f.Close()

	sheet := "Results"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return nil, fmt.Errorf("failed to prepare worksheet: %w", err)
	}

	if err := f.SetSheetRow(sheet, "A1", &resultExportHeader); err != nil {
		return nil, fmt.Errorf("failed to write header row: %w", err)
	}

	for i, attempt := range attempts {
		submittedAt := ""
		if attempt.SubmittedAt != nil {
			submittedAt = attempt.SubmittedAt.Format("2006-01-02 15:04:05")
		}
		endReason := ""
		if attempt.EndReason != nil {
			endReason = *attempt.EndReason
		}
		row := []interface{}{
			attempt.Student.FullName,
			attempt.Student.Email,
			attempt.AttemptNumber,
			attempt.Score,
			attempt.CorrectCount,
			attempt.WrongCount,
			attempt.UnansweredCount,
			attempt.TotalQuestions,
			endReason,
			attempt.StartedAt.Format("2006-01-02 15:04:05"),
			submittedAt,
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, fmt.Errorf("failed to compute cell name: %w", err)
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return nil, fmt.Errorf("failed to write result row: %w", err)
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize workbook for test %q: %w", test.Title, err)
	}
	return buf.Bytes(), nil
}

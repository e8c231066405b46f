package services

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/Mond1c/zenclass-bridge/internal/webhook"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// SheetsService appends accepted grades to a journal spreadsheet.
type SheetsService struct {
	srv       *sheets.Service
	sheetID   string
	sheetName string
}

func NewSheetsService(ctx context.Context, credentialsFile, sheetID string) (*SheetsService, error) {
	srv, err := sheets.NewService(ctx, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets service: %w", err)
	}

	return &SheetsService{
		srv:       srv,
		sheetID:   sheetID,
		sheetName: "Grades",
	}, nil
}

func (s *SheetsService) Name() string {
	return "sheets"
}

func (s *SheetsService) Deliver(ctx context.Context, notice webhook.GradeNotice) error {
	_, err := s.AppendGrade(ctx, notice)
	return err
}

// AppendGrade writes one journal row and returns its row number.
func (s *SheetsService) AppendGrade(ctx context.Context, notice webhook.GradeNotice) (int, error) {
	valueRange := &sheets.ValueRange{
		Values: [][]interface{}{JournalRow(notice)},
	}

	resp, err := s.srv.Spreadsheets.Values.Append(
		s.sheetID,
		s.sheetName+"!A:H",
		valueRange,
	).ValueInputOption("USER_ENTERED").InsertDataOption("INSERT_ROWS").Context(ctx).Do()
	if err != nil {
		return 0, fmt.Errorf("failed to append row: %w", err)
	}

	if resp.Updates == nil {
		return 0, nil
	}
	return parseRowNumber(resp.Updates.UpdatedRange), nil
}

// JournalRow is the cell layout of one grade in the journal.
func JournalRow(notice webhook.GradeNotice) []interface{} {
	score := ""
	if notice.Score != nil {
		score = strconv.Itoa(*notice.Score)
	}
	return []interface{}{
		notice.CheckedAt.Format("2006-01-02 15:04:05"),
		notice.StudentEmail,
		notice.StudentName,
		notice.CourseName,
		notice.TaskName,
		score,
		notice.MaxScore,
		notice.ReportLink,
	}
}

// parseRowNumber extracts 5 from "Grades!A5:H5".
func parseRowNumber(rangeStr string) int {
	end := strings.LastIndexFunc(rangeStr, func(r rune) bool {
		return r < '0' || r > '9'
	})
	row, err := strconv.Atoi(rangeStr[end+1:])
	if err != nil {
		return 0
	}
	return row
}

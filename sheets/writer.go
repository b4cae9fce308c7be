package sheets

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"rental-hunter/logger"
	"rental-hunter/models"
)

// Header is the first row of a freshly created listings sheet
var Header = []interface{}{"Found", "Source", "Title", "Price", "Beds", "Baths", "Area", "Type", "Link"}

// Writer appends notified listings to a Google Sheets tab
type Writer struct {
	service       *sheets.Service
	spreadsheetID string
	sheetName     string
	log           logger.Logger
}

// NewWriter creates a Google Sheets writer. credentials is either a path to
// a service account JSON file or the JSON itself.
func NewWriter(ctx context.Context, spreadsheetURL, sheetName, credentials string, log logger.Logger) (*Writer, error) {
	spreadsheetID := ExtractSpreadsheetID(spreadsheetURL)
	if spreadsheetID == "" {
		spreadsheetID = strings.TrimSpace(spreadsheetURL)
	}
	if spreadsheetID == "" {
		return nil, fmt.Errorf("spreadsheet id not found in %q", spreadsheetURL)
	}

	credsJSON, err := loadCredentials(credentials)
	if err != nil {
		return nil, err
	}

	service, err := sheets.NewService(ctx, option.WithCredentialsJSON(credsJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets service: %w", err)
	}

	return newWriter(service, spreadsheetID, sheetName, log), nil
}

func newWriter(service *sheets.Service, spreadsheetID, sheetName string, log logger.Logger) *Writer {
	if log == nil {
		log = logger.Nop()
	}
	return &Writer{
		service:       service,
		spreadsheetID: spreadsheetID,
		sheetName:     sanitizeSheetName(sheetName),
		log:           log.WithFields(logger.Fields{"component": "sheets", "sheet": sheetName}),
	}
}

func loadCredentials(credentials string) ([]byte, error) {
	credentials = strings.TrimSpace(credentials)
	if credentials == "" {
		return nil, fmt.Errorf("credentials not found: GOOGLE_SHEETS_CREDENTIALS is empty or not set")
	}

	var credsJSON []byte
	if strings.HasPrefix(credentials, "{") {
		credsJSON = []byte(credentials)
	} else {
		data, err := os.ReadFile(credentials)
		if err != nil {
			return nil, fmt.Errorf("failed to read credentials file: %w", err)
		}
		credsJSON = data
	}

	var creds map[string]interface{}
	if err := json.Unmarshal(credsJSON, &creds); err != nil {
		return nil, fmt.Errorf("invalid credentials JSON (check if JSON is properly formatted): %w", err)
	}
	if creds["type"] != "service_account" {
		return nil, fmt.Errorf("credentials must be a service account JSON file (type: service_account), got type: %v", creds["type"])
	}
	return credsJSON, nil
}

// EnsureSheet creates the listings tab with a header row if the spreadsheet
// doesn't have it yet
func (w *Writer) EnsureSheet(ctx context.Context) error {
	spreadsheet, err := w.service.Spreadsheets.Get(w.spreadsheetID).Fields("sheets.properties.title").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to read spreadsheet: %w", err)
	}
	for _, sheet := range spreadsheet.Sheets {
		if sheet.Properties != nil && sheet.Properties.Title == w.sheetName {
			return nil
		}
	}

	req := &sheets.BatchUpdateSpreadsheetRequest{
		Requests: []*sheets.Request{
			{AddSheet: &sheets.AddSheetRequest{Properties: &sheets.SheetProperties{Title: w.sheetName}}},
		},
	}
	if _, err := w.service.Spreadsheets.BatchUpdate(w.spreadsheetID, req).Context(ctx).Do(); err != nil {
		return fmt.Errorf("failed to create sheet: %w", err)
	}

	header := &sheets.ValueRange{Values: [][]interface{}{Header}}
	_, err = w.service.Spreadsheets.Values.Update(w.spreadsheetID, w.sheetName+"!A1", header).
		ValueInputOption("RAW").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	w.log.Info("created listings sheet", nil)
	return nil
}

// AppendListing adds one row for the listing after the last row with data
func (w *Writer) AppendListing(ctx context.Context, listing models.Listing) error {
	valueRange := &sheets.ValueRange{
		Values: [][]interface{}{Row(listing)},
	}

	_, err := w.service.Spreadsheets.Values.Append(w.spreadsheetID, w.sheetName+"!A:A", valueRange).
		ValueInputOption("RAW").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("failed to append to sheets: %w", err)
	}

	w.log.Debug("appended listing", logger.Fields{"listing": listing.Identity().String()})
	return nil
}

// Row renders a listing as a sheet row matching Header. Unknown values are
// left blank.
func Row(listing models.Listing) []interface{} {
	row := []interface{}{
		listing.FetchedAt.UTC().Format(time.RFC3339),
		listing.SourceID,
		listing.Title,
		"",
		"",
		"",
		listing.Location,
		listing.PropertyType,
		listing.URL,
	}
	if listing.Price != nil {
		row[3] = *listing.Price
	}
	if listing.Bedrooms != nil {
		row[4] = *listing.Bedrooms
	}
	if listing.Bathrooms != nil {
		row[5] = *listing.Bathrooms
	}
	return row
}

// sanitizeSheetName removes invalid characters from sheet name
func sanitizeSheetName(name string) string {
	// Google Sheets sheet names cannot contain: / \ ? * [ ]
	invalidChars := []string{"/", "\\", "?", "*", "[", "]"}
	result := name
	for _, char := range invalidChars {
		result = strings.ReplaceAll(result, char, "_")
	}
	result = strings.TrimSpace(result)
	if result == "" {
		result = "Listings"
	}
	if len(result) > 100 {
		result = result[:100]
	}
	return result
}

// ExtractSpreadsheetID extracts the spreadsheet ID from a Google Sheets URL
func ExtractSpreadsheetID(url string) string {
	// Handle various URL formats:
	// https://docs.google.com/spreadsheets/d/SPREADSHEET_ID/edit
	// https://docs.google.com/spreadsheets/d/SPREADSHEET_ID/edit?usp=sharing
	parts := strings.Split(url, "/d/")
	if len(parts) < 2 {
		return ""
	}

	idPart := parts[1]
	if idx := strings.Index(idPart, "/"); idx != -1 {
		idPart = idPart[:idx]
	}
	if idx := strings.Index(idPart, "?"); idx != -1 {
		idPart = idPart[:idx]
	}

	return strings.TrimSpace(idPart)
}

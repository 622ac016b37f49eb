// Package export writes receipt snapshots for offline reconciliation.
package export

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"gemfi/native/ledger"
)

// Result describes the files produced by a snapshot.
type Result struct {
	ParquetPath string    `json:"parquetPath"`
	CSVPath     string    `json:"csvPath"`
	Rows        int       `json:"rows"`
	AsOf        time.Time `json:"asOf"`
}

type receiptRow struct {
	ReceiptID       string `parquet:"name=receipt_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	LoanID          int64  `parquet:"name=loan_id, type=INT64"`
	Borrower        string `parquet:"name=borrower, type=BYTE_ARRAY, convertedtype=UTF8"`
	Lender          string `parquet:"name=lender, type=BYTE_ARRAY, convertedtype=UTF8"`
	Stablecoin      string `parquet:"name=stablecoin, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status          string `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	LoanAmount      string `parquet:"name=loan_amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	InterestRateBps int64  `parquet:"name=interest_rate_bps, type=INT64"`
	AccruedInterest string `parquet:"name=accrued_interest, type=BYTE_ARRAY, convertedtype=UTF8"`
	Outstanding     string `parquet:"name=outstanding, type=BYTE_ARRAY, convertedtype=UTF8"`
	CollateralItems int32  `parquet:"name=collateral_items, type=INT32"`
	IssuedAt        string `parquet:"name=issued_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	MaturityAt      string `parquet:"name=maturity_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	ClosedAt        string `parquet:"name=closed_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	Digest          string `parquet:"name=digest, type=BYTE_ARRAY, convertedtype=UTF8"`
}

var csvHeader = []string{
	"receipt_id", "loan_id", "borrower", "lender", "stablecoin", "status", "loan_amount", "interest_rate_bps",
	"accrued_interest", "outstanding", "collateral_items", "issued_at", "maturity_at", "closed_at", "digest",
}

func toRow(r ledger.Receipt) receiptRow {
	closed := ""
	if r.ClosedAt != nil {
		closed = r.ClosedAt.Format(time.RFC3339)
	}
	return receiptRow{
		ReceiptID:       r.ReceiptID,
		LoanID:          int64(r.LoanID),
		Borrower:        r.Borrower,
		Lender:          r.Lender,
		Stablecoin:      r.Stablecoin,
		Status:          r.Status,
		LoanAmount:      r.LoanAmount,
		InterestRateBps: int64(r.InterestRateBps),
		AccruedInterest: r.AccruedInterest,
		Outstanding:     r.Outstanding,
		CollateralItems: int32(len(r.Collateral)),
		IssuedAt:        r.IssuedAt.Format(time.RFC3339),
		MaturityAt:      r.MaturityAt.Format(time.RFC3339),
		ClosedAt:        closed,
		Digest:          r.Digest,
	}
}

// WriteReceipts writes receipts as receipts_<asOf>.parquet and .csv in dir.
func WriteReceipts(dir string, receipts []ledger.Receipt, asOf time.Time) (Result, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return Result{}, fmt.Errorf("export: create dir: %w", err)
	}
	stamp := asOf.UTC().Format("20060102T150405Z")
	rows := make([]receiptRow, len(receipts))
	for i, r := range receipts {
		rows[i] = toRow(r)
	}
	result := Result{
		ParquetPath: filepath.Join(dir, "receipts_"+stamp+".parquet"),
		CSVPath:     filepath.Join(dir, "receipts_"+stamp+".csv"),
		Rows:        len(rows),
		AsOf:        asOf.UTC(),
	}
	if err := writeParquet(result.ParquetPath, rows); err != nil {
		return Result{}, err
	}
	if err := writeCSV(result.CSVPath, rows); err != nil {
		return Result{}, err
	}
	return result, nil
}

func writeParquet(path string, rows []receiptRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(receiptRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("export: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for i := range rows {
		if err := pw.Write(&rows[i]); err != nil {
			_ = pw.WriteStop()
			file.Close()
			return fmt.Errorf("export: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("export: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("export: close parquet file: %w", err)
	}
	return nil
}

func writeCSV(path string, rows []receiptRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	if err := w.Write(csvHeader); err != nil {
		return err
	}
	for _, row := range rows {
		record := []string{
			row.ReceiptID,
			strconv.FormatInt(row.LoanID, 10),
			row.Borrower,
			row.Lender,
			row.Stablecoin,
			row.Status,
			row.LoanAmount,
			strconv.FormatInt(row.InterestRateBps, 10),
			row.AccruedInterest,
			row.Outstanding,
			strconv.Itoa(int(row.CollateralItems)),
			row.IssuedAt,
			row.MaturityAt,
			row.ClosedAt,
			row.Digest,
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("export: flush csv: %w", err)
	}
	return file.Close()
}

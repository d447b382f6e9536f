package models

import "time"

type ImportSummary struct {
	ModuleID       string                  `json:"module_id"`
	TotalRows      int                     `json:"total_rows"`
	ProcessedRows  int                     `json:"processed_rows"`
	SuccessCount   int                     `json:"success_count"`
	ErrorCount     int                     `json:"error_count"`
	ManualCount    int                     `json:"manual_count"` // keys without a reference answer
	Errors         []ImportValidationError `json:"errors"`
	ProcessingTime time.Duration           `json:"processing_time"`
}

type ImportValidationError struct {
	Row     int    `json:"row"`
	Column  string `json:"column"`
	Message string `json:"message"`
	Value   string `json:"value"`
	Code    string `json:"code"`
}

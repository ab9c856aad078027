package main

import (
	"github.com/liamcoop/rulestage/record"
	"github.com/liamcoop/rulestage/rulebooks"
	"github.com/liamcoop/rulestage/stage"
)

// API Request and Response Models with Swagger annotations

// RulebookRequest represents the request body for creating or updating a rulebook
type RulebookRequest struct {
	Source string `json:"source" example:"name: r1\nversion: \"1.0\"\nrules: [...]" binding:"required"`
	Active *bool  `json:"active,omitempty" example:"true"`
} // @name RulebookRequest

// RulebooksListResponse represents the response for listing active rulebooks
type RulebooksListResponse struct {
	Rulebooks []*rulebooks.Entry `json:"rulebooks"`
} // @name RulebooksListResponse

// CreateStageRequest represents the request body for creating or replacing a stage
type CreateStageRequest struct {
	Name string `json:"name" example:"orders" binding:"required"`
	stage.Config
} // @name CreateStageRequest

// StageResponse describes a running stage
type StageResponse struct {
	Name            string      `json:"name" example:"orders"`
	Rulebook        string      `json:"rulebook" example:"r1"`
	RulebookVersion string      `json:"rulebook_version" example:"1.0"`
	Rules           []string    `json:"rules"`
	Schema          string      `json:"schema" example:"etlSchemaBody"`
	Fields          []string    `json:"fields"`
	Stats           stage.Stats `json:"stats"`
} // @name StageResponse

// StagesListResponse represents the response for listing stages
type StagesListResponse struct {
	Stages []string `json:"stages"`
} // @name StagesListResponse

// TransformRequest carries a batch of input records in processing order
type TransformRequest struct {
	Records []*record.Row `json:"records" binding:"required"`
} // @name TransformRequest

// TransformResponse carries the emitted records and error entries of one batch
type TransformResponse struct {
	Records        []*record.Row        `json:"records"`
	Errors         []stage.InvalidEntry `json:"errors"`
	ProcessingTime string               `json:"processingTime" example:"1.2ms"`
} // @name TransformResponse

// MetricsResponse reports process-wide counters and per-stage statistics
type MetricsResponse struct {
	Rows   RowMetrics             `json:"rows"`
	HTTP   HTTPMetrics            `json:"http"`
	Stages map[string]stage.Stats `json:"stages"`
} // @name MetricsResponse

// RowMetrics counts rows across every stage
type RowMetrics struct {
	Processed        int64 `json:"processed"`
	Emitted          int64 `json:"emitted"`
	Skipped          int64 `json:"skipped"`
	CoercionFailures int64 `json:"coercionFailures"`
	ActionFailures   int64 `json:"actionFailures"`
} // @name RowMetrics

// HTTPMetrics counts request outcomes
type HTTPMetrics struct {
	Errors       int64 `json:"errors"`
	Warnings     int64 `json:"warnings"`
	Status5xx    int64 `json:"status5xx"`
	Status4xx    int64 `json:"status4xx"`
	SlowRequests int64 `json:"slowRequests"`
} // @name HTTPMetrics

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error" example:"stage not found"`
	Details string `json:"details,omitempty"`
} // @name ErrorResponse

// HealthResponse represents the health check response
type HealthResponse struct {
	Status  string `json:"status" example:"healthy"`
	Storage string `json:"storage" example:"postgres"`
	Stages  int    `json:"stages" example:"3"`
	Error   string `json:"error,omitempty"`
} // @name HealthResponse

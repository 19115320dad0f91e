// Package storage provides data models and persistence for documents,
// pages, chunks, embeddings and query logs.
package storage

import (
	"time"

	"github.com/google/uuid"
)

// DocumentStatus is the lifecycle state of a document.
type DocumentStatus string

// Document lifecycle. Transitions only move forward, except that any state
// reached by the pipeline may fall to failed, and failed may be reset to uploaded.
const (
	StatusPendingUpload DocumentStatus = "pending_upload"
	StatusUploaded      DocumentStatus = "uploaded"
	StatusIndexing      DocumentStatus = "indexing"
	StatusReady         DocumentStatus = "ready"
	StatusFailed        DocumentStatus = "failed"
)

// Valid reports whether s is a known status.
func (s DocumentStatus) Valid() bool {
	switch s {
	case StatusPendingUpload, StatusUploaded, StatusIndexing, StatusReady, StatusFailed:
		return true
	}
	return false
}

// Document represents an uploaded PDF owned by a workspace.
type Document struct {
	ID             uuid.UUID      `json:"id" db:"id"`
	WorkspaceID    uuid.UUID      `json:"workspace_id" db:"workspace_id"`
	Filename       string         `json:"filename" db:"filename"`
	FileSizeBytes  int64          `json:"file_size_bytes" db:"file_size_bytes"`
	PageCount      *int           `json:"page_count,omitempty" db:"page_count"`
	FileHashSHA256 string         `json:"file_hash_sha256" db:"file_hash_sha256"`
	StoragePath    string         `json:"storage_path" db:"storage_path"`
	Status         DocumentStatus `json:"status" db:"status"`
	ErrorMessage   *string        `json:"error_message,omitempty" db:"error_message"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" db:"updated_at"`
}

// Pages returns the page count, or 0 before extraction.
func (d *Document) Pages() int {
	if d.PageCount == nil {
		return 0
	}
	return *d.PageCount
}

// DocumentPage is the extracted text of one page. page_number is 1-based.
type DocumentPage struct {
	DocumentID uuid.UUID `json:"document_id" db:"document_id"`
	PageNumber int       `json:"page_number" db:"page_number"`
	Content    string    `json:"content" db:"content"`
}

// Chunk is a page-bounded slice of page text.
type Chunk struct {
	ID          uuid.UUID `json:"id" db:"id"`
	WorkspaceID uuid.UUID `json:"workspace_id" db:"workspace_id"`
	DocumentID  uuid.UUID `json:"document_id" db:"document_id"`
	PageStart   int       `json:"page_start" db:"page_start"`
	PageEnd     int       `json:"page_end" db:"page_end"`
	ChunkIndex  int       `json:"chunk_index" db:"chunk_index"`
	Content     string    `json:"content" db:"content"`
	ContentHash string    `json:"content_hash" db:"content_hash"`
	TokenCount  int       `json:"token_count" db:"token_count"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// ChunkState is what a re-run of indexing needs to know about a stored chunk.
type ChunkState struct {
	ID           uuid.UUID
	ContentHash  string
	HasEmbedding bool
}

// ChunkEmbedding is the vector of one chunk.
type ChunkEmbedding struct {
	ChunkID        uuid.UUID `json:"chunk_id" db:"chunk_id"`
	Embedding      []float32 `json:"-" db:"embedding"`
	EmbeddingModel string    `json:"embedding_model" db:"embedding_model"`
}

// RetrievedChunk is one nearest-neighbour hit.
type RetrievedChunk struct {
	ChunkID    uuid.UUID `json:"chunk_id"`
	DocumentID uuid.UUID `json:"document_id"`
	PageNumber int       `json:"page_number"`
	Content    string    `json:"content"`
	TokenCount int       `json:"token_count"`
	Similarity float64   `json:"similarity"`
}

// QueryLog is the append-only audit record of one query.
type QueryLog struct {
	ID                 uuid.UUID   `json:"id" db:"id"`
	WorkspaceID        uuid.UUID   `json:"workspace_id" db:"workspace_id"`
	Question           string      `json:"question" db:"query_text"`
	DocumentsSearched  []uuid.UUID `json:"documents_searched" db:"documents_searched"`
	RetrievedChunkIDs  []uuid.UUID `json:"retrieved_chunk_ids" db:"retrieved_chunk_ids"`
	ChunkScores        []float64   `json:"chunk_scores" db:"chunk_scores"`
	AnswerText         *string     `json:"answer_text,omitempty" db:"answer_text"`
	ErrorCode          *string     `json:"error_code,omitempty" db:"error_code"`
	ErrorMessage       *string     `json:"error_message,omitempty" db:"error_message"`
	RetrievalLatencyMs int64       `json:"retrieval_latency_ms" db:"retrieval_latency_ms"`
	LLMLatencyMs       *int64      `json:"llm_latency_ms,omitempty" db:"llm_latency_ms"`
	TotalLatencyMs     int64       `json:"total_latency_ms" db:"total_latency_ms"`
	EmbeddingTokens    int64       `json:"embedding_tokens" db:"embedding_tokens_used"`
	LLMInputTokens     *int64      `json:"llm_input_tokens,omitempty" db:"llm_input_tokens"`
	LLMOutputTokens    *int64      `json:"llm_output_tokens,omitempty" db:"llm_output_tokens"`
	TotalTokens        int64       `json:"total_tokens" db:"total_tokens_used"`
	CreatedAt          time.Time   `json:"created_at" db:"created_at"`
}

// QueryLogFilter pages through a workspace's query logs, optionally only
// those that searched one document.
type QueryLogFilter struct {
	DocumentID *uuid.UUID
	Limit      int
	Offset     int
}

// ListOptions pages through a workspace's documents.
type ListOptions struct {
	Status DocumentStatus
	Limit  int
	Offset int
}

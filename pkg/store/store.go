// Package store persists work orders, receipts, and chat transcripts.
// Work orders serialize as JSON documents; a storage quota breach keeps
// only the most recently updated ones, with receipts stored durably in
// their own table.
package store

import (
	"context"
	"time"

	"github.com/forgeline/foreman/pkg/models"
)

// Store is the persistence interface the engine and API consume.
type Store interface {
	SaveWorkOrder(ctx context.Context, w *models.WorkOrder) error
	GetWorkOrder(ctx context.Context, id string) (*models.WorkOrder, error)
	ListWorkOrders(ctx context.Context) ([]*models.WorkOrder, error)
	DeleteWorkOrder(ctx context.Context, id string) error

	SaveReceipt(ctx context.Context, r *models.Receipt) error
	GetReceipt(ctx context.Context, workOrderID string) (*models.Receipt, error)

	AppendChat(ctx context.Context, msg models.ChatMessage) error
	ChatSince(ctx context.Context, workOrderID string, after time.Time) ([]models.ChatMessage, error)

	Close() error
}

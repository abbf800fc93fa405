package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/podping/hivedispatch/internal/domain"
)

// DryRunClient fabricates transaction ids without touching the network.
// Used for local development and operational rehearsal.
type DryRunClient struct {
	logger *zap.Logger
}

func NewDryRunClient(logger *zap.Logger) *DryRunClient {
	return &DryRunClient{logger: logger}
}

func (c *DryRunClient) Submit(_ context.Context, batch *domain.Batch, endpoint string) (string, error) {
	txID := fmt.Sprintf("dryrun-%s", uuid.New().String())
	c.logger.Info("dry run: batch not broadcast",
		zap.Uint64("seq", batch.Seq),
		zap.Int("iris", len(batch.IRIs)),
		zap.String("endpoint", endpoint),
		zap.String("tx_id", txID),
	)
	return txID, nil
}

var _ Client = (*DryRunClient)(nil)

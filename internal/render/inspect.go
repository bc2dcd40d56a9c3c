package render

import (
	"bytes"
	"fmt"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// Inspect parses a PDF document and returns its page count.
func Inspect(data []byte) (int, error) {
	if len(data) == 0 {
		return 0, fmt.Errorf("empty document")
	}
	ctx, err := api.ReadContext(bytes.NewReader(data), model.NewDefaultConfiguration())
	if err != nil {
		return 0, fmt.Errorf("failed to read PDF context: %w", err)
	}
	return ctx.PageCount, nil
}

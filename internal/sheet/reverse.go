package sheet

import (
	"fmt"
	"strconv"

	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// reverseCopy writes an intermediate document whose page order is inverted,
// so the packing loop can always walk the source front to back.
func reverseCopy(srcPath, dstPath string) error {
	pageCount, err := api.PageCountFile(srcPath)
	if err != nil {
		return fmt.Errorf("count pages of %s: %w", srcPath, err)
	}

	pages := make([]string, 0, pageCount)
	for i := pageCount; i >= 1; i-- {
		pages = append(pages, strconv.Itoa(i))
	}

	if err := api.CollectFile(srcPath, dstPath, pages, nil); err != nil {
		return fmt.Errorf("write reversed copy: %w", err)
	}
	return nil
}

package runtimeversion

import (
	"fmt"

	"github.com/parastate/archivist/pkg/archiveerr"
)

func errVersionNotFound(number uint32) error {
	return archiveerr.Wrap(archiveerr.ErrVersionNotFound, fmt.Sprintf("block %d", number), nil)
}

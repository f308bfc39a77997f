// pkg/vm/options.go
package vm

import (
	"github.com/phuslu/log"

	"vmem/pkg/files"
)

const (
	// DefaultPageSize is the mapping granularity of column files.
	DefaultPageSize int64 = 16 << 20

	DefaultHeapPageSize int64 = 4096
)

// Options configures OpenReadWriteMemory.
type Options struct {
	PageSize int64        // mapping page size (default DefaultPageSize)
	Facade   files.Facade // file facade (default files.OS)
	Logger   *log.Logger  // default log.DefaultLogger
}

func (o Options) withDefaults() Options {
	if o.PageSize == 0 {
		o.PageSize = DefaultPageSize
	}
	if o.Facade == nil {
		o.Facade = files.OS{}
	}
	if o.Logger == nil {
		o.Logger = &log.DefaultLogger
	}
	return o
}

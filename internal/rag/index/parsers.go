package index

import (
	"sync"

	"github.com/first-fluke/cratos/internal/rag/parser/markdown"
	"github.com/first-fluke/cratos/internal/rag/parser/text"
)

var registerParsersOnce sync.Once

func ensureDefaultParsers() {
	registerParsersOnce.Do(func() {
		markdown.Register()
		text.Register()
	})
}

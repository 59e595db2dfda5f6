package config

// RAGConfig configures the document retrieval (RAG) pipeline backing
// the document_search tool: where chunks are stored, how documents are
// chunked, and which embedding provider indexes them.
type RAGConfig struct {
	// Enabled controls whether registerBuiltinTools wires document_search.
	Enabled bool `yaml:"enabled"`

	Store            RAGStoreConfig            `yaml:"store"`
	Chunking         RAGChunkingConfig         `yaml:"chunking"`
	Embeddings       RAGEmbeddingsConfig       `yaml:"embeddings"`
	Search           RAGSearchConfig           `yaml:"search"`
	ContextInjection RAGContextInjectionConfig `yaml:"context_injection"`
}

// RAGContextInjectionConfig controls automatically folding retrieved
// document chunks into the prompt sent to the LLM, ahead of the orchestrator
// loop rather than via an explicit document_search tool call.
type RAGContextInjectionConfig struct {
	Enabled   bool    `yaml:"enabled"`
	MaxChunks int     `yaml:"max_chunks"`
	MaxTokens int     `yaml:"max_tokens"`
	MinScore  float32 `yaml:"min_score"`
	Scope     string  `yaml:"scope"`
}

// RAGStoreConfig configures the pgvector-backed document store.
type RAGStoreConfig struct {
	// DSN is the PostgreSQL connection string. If empty and
	// UseDatabaseURL is true, the main database.url is reused.
	DSN string `yaml:"dsn"`

	// UseDatabaseURL reuses database.url for document storage instead
	// of a dedicated DSN.
	UseDatabaseURL bool `yaml:"use_database_url"`

	// Dimension is the embedding vector dimension.
	// Default: 1536 (OpenAI text-embedding-3-small)
	Dimension int `yaml:"dimension"`
}

// RAGChunkingConfig configures document chunking.
type RAGChunkingConfig struct {
	ChunkSize    int `yaml:"chunk_size"`
	ChunkOverlap int `yaml:"chunk_overlap"`
}

// RAGEmbeddingsConfig configures the embedding provider for RAG.
type RAGEmbeddingsConfig struct {
	// Provider selects the embedding backend: "openai" or "ollama".
	Provider  string `yaml:"provider"`
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
	BatchSize int    `yaml:"batch_size"`
}

// RAGSearchConfig configures document_search tool defaults.
type RAGSearchConfig struct {
	DefaultLimit     int     `yaml:"default_limit"`
	DefaultThreshold float32 `yaml:"default_threshold"`
	MaxResults       int     `yaml:"max_results"`
}

func applyRAGDefaults(cfg *RAGConfig) {
	if cfg.Store.Dimension == 0 {
		cfg.Store.Dimension = 1536
	}
	if cfg.Chunking.ChunkSize == 0 {
		cfg.Chunking.ChunkSize = 1000
	}
	if cfg.Chunking.ChunkOverlap == 0 {
		cfg.Chunking.ChunkOverlap = 200
	}
	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = "openai"
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "text-embedding-3-small"
	}
	if cfg.Embeddings.BatchSize == 0 {
		cfg.Embeddings.BatchSize = 100
	}
	if cfg.Search.DefaultLimit == 0 {
		cfg.Search.DefaultLimit = 5
	}
	if cfg.Search.DefaultThreshold == 0 {
		cfg.Search.DefaultThreshold = 0.7
	}
	if cfg.Search.MaxResults == 0 {
		cfg.Search.MaxResults = 20
	}
	if cfg.ContextInjection.MaxChunks == 0 {
		cfg.ContextInjection.MaxChunks = 5
	}
	if cfg.ContextInjection.MaxTokens == 0 {
		cfg.ContextInjection.MaxTokens = 2000
	}
	if cfg.ContextInjection.MinScore == 0 {
		cfg.ContextInjection.MinScore = 0.7
	}
	if cfg.ContextInjection.Scope == "" {
		cfg.ContextInjection.Scope = "global"
	}
}

package config

import (
	"os"
	"strconv"
	"time"
)

const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

type EmbeddingsConfig struct {
	Provider  string
	Model     string
	Dimension int
}

type LLMConfig struct {
	Provider string
	Model    string
}

type Config struct {
	PostgresDSN string
	Neo4jURI    string
	Neo4jUser   string
	Neo4jPass   string

	OllamaHost    string
	OpenAIAPIKey  string
	OpenAIBaseURL string

	Embeddings EmbeddingsConfig
	LLM        LLMConfig

	RerankerURL string
	DataDir     string
	ListenAddr  string

	DefaultTopK   int
	EmbedTimeout  time.Duration
	RerankTimeout time.Duration
	GraphTimeout  time.Duration
}

func Load() Config {
	return Config{
		PostgresDSN: getEnv("POSTGRES_DSN", "postgres://localhost:5432/rag-backend?sslmode=disable"),
		Neo4jURI:    getEnv("NEO4J_URI", "neo4j://localhost:7687"),
		Neo4jUser:   getEnv("NEO4J_USERNAME", "neo4j"),
		Neo4jPass:   getEnv("NEO4J_PASSWORD", "password"),

		OllamaHost:    getEnv("OLLAMA_HOST", "http://localhost:11434"),
		OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL: getEnv("OPENAI_BASE_URL", ""),

		Embeddings: EmbeddingsConfig{
			Provider:  getEnv("EMBEDDINGS_PROVIDER", ProviderOllama),
			Model:     getEnv("EMBEDDINGS_MODEL", "nomic-embed-text"),
			Dimension: getEnvInt("EMBEDDINGS_DIMENSION", 768),
		},
		LLM: LLMConfig{
			Provider: getEnv("LLM_PROVIDER", ProviderOllama),
			Model:    getEnv("LLM_MODEL", "llama3.1"),
		},

		RerankerURL: getEnv("RERANKER_URL", "http://localhost:8787"),
		DataDir:     getEnv("DATA_DIR", "./data"),
		ListenAddr:  getEnv("LISTEN_ADDR", ":8080"),

		DefaultTopK:   getEnvInt("DEFAULT_TOP_K", 10),
		EmbedTimeout:  getEnvDuration("EMBED_TIMEOUT", 30*time.Second),
		RerankTimeout: getEnvDuration("RERANK_TIMEOUT", 10*time.Second),
		GraphTimeout:  getEnvDuration("GRAPH_TIMEOUT", 5*time.Second),
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}

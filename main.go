package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/fabfab/rag-backend/api"
	"github.com/fabfab/rag-backend/config"
	"github.com/fabfab/rag-backend/database"
	"github.com/fabfab/rag-backend/embeddings"
	"github.com/fabfab/rag-backend/evaluation"
	"github.com/fabfab/rag-backend/ingestion"
	"github.com/fabfab/rag-backend/knowledge"
	"github.com/fabfab/rag-backend/llm"
	"github.com/fabfab/rag-backend/search"
	"github.com/fabfab/rag-backend/store"
)

func main() {
	logger := log.New(os.Stdout, "", log.LstdFlags)

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cfg := config.Load()

	switch os.Args[1] {
	case "serve":
		serveCmd(cfg, logger, os.Args[2:])
	case "ingest":
		ingestCmd(cfg, logger, os.Args[2:])
	case "clear":
		clearCmd(cfg, logger, os.Args[2:])
	default:
		logger.Printf("unknown command: %s", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func serveCmd(cfg config.Config, logger *log.Logger, args []string) {
	flags := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := flags.String("addr", cfg.ListenAddr, "address to listen on")
	if err := flags.Parse(args); err != nil {
		logger.Fatalf("parse serve flags: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pgPool, err := database.NewPostgresPool(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatalf("postgres connection: %v", err)
	}
	defer pgPool.Close()

	if err := database.EnsureRAGSchema(ctx, pgPool, cfg.Embeddings.Dimension); err != nil {
		logger.Fatalf("ensure schema: %v", err)
	}

	neo4jDriver, err := database.NewNeo4jDriver(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPass)
	if err != nil {
		logger.Fatalf("neo4j connection: %v", err)
	}
	defer neo4jDriver.Close(ctx)

	embedder, err := embeddings.NewEmbedder(cfg)
	if err != nil {
		logger.Fatalf("embedder setup: %v", err)
	}

	llmClient, err := llm.NewClient(cfg)
	if err != nil {
		logger.Fatalf("llm setup: %v", err)
	}

	chunks, err := store.NewPostgresStore(pgPool, cfg.Embeddings.Dimension, store.MetricCosine)
	if err != nil {
		logger.Fatalf("chunk store setup: %v", err)
	}

	extractor := search.NewLLMEntityExtractor(llmClient)
	retriever := search.NewRetriever(chunks, embedder, cfg.DefaultTopK, cfg.EmbedTimeout)
	reranker := search.NewHTTPReranker(cfg.RerankerURL, cfg.RerankTimeout)
	augmenter := search.NewAugmenter(extractor, knowledge.NewNeo4jEntityStore(neo4jDriver), cfg.GraphTimeout, logger)
	searcher := search.NewService(retriever, reranker, augmenter, logger)

	engine := evaluation.NewEngine(logger,
		evaluation.NewRagasAdapter(embedder, llmClient),
		evaluation.NewLlamaIndexAdapter(embedder, llmClient),
	)

	ingester := ingestion.NewService(chunks, neo4jDriver, embedder, extractor, logger)

	server := api.New(searcher, engine, ingester, chunks, logger)

	httpServer := &http.Server{Addr: *addr, Handler: server.Handler()}
	go func() {
		<-ctx.Done()
		if err := httpServer.Shutdown(context.Background()); err != nil {
			logger.Printf("shutdown: %v", err)
		}
	}()

	logger.Printf("listening on %s", *addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("serve: %v", err)
	}
}

func ingestCmd(cfg config.Config, logger *log.Logger, args []string) {
	flags := flag.NewFlagSet("ingest", flag.ExitOnError)
	dataDir := flags.String("dir", cfg.DataDir, "path to directory containing documents")
	if err := flags.Parse(args); err != nil {
		logger.Fatalf("parse ingest flags: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pgPool, err := database.NewPostgresPool(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatalf("postgres connection: %v", err)
	}
	defer pgPool.Close()

	if err := database.EnsureRAGSchema(ctx, pgPool, cfg.Embeddings.Dimension); err != nil {
		logger.Fatalf("ensure schema: %v", err)
	}

	neo4jDriver, err := database.NewNeo4jDriver(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPass)
	if err != nil {
		logger.Fatalf("neo4j connection: %v", err)
	}
	defer neo4jDriver.Close(ctx)

	embedder, err := embeddings.NewEmbedder(cfg)
	if err != nil {
		logger.Fatalf("embedder setup: %v", err)
	}

	llmClient, err := llm.NewClient(cfg)
	if err != nil {
		logger.Fatalf("llm setup: %v", err)
	}

	chunks, err := store.NewPostgresStore(pgPool, cfg.Embeddings.Dimension, store.MetricCosine)
	if err != nil {
		logger.Fatalf("chunk store setup: %v", err)
	}

	svc := ingestion.NewService(chunks, neo4jDriver, embedder, search.NewLLMEntityExtractor(llmClient), logger)
	logger.Printf("ingesting documents from %s using %s/%s embeddings", *dataDir, cfg.Embeddings.Provider, cfg.Embeddings.Model)

	if err := svc.IngestDirectory(ctx, *dataDir); err != nil {
		logger.Fatalf("ingestion failed: %v", err)
	}
}

func clearCmd(cfg config.Config, logger *log.Logger, args []string) {
	flags := flag.NewFlagSet("clear", flag.ExitOnError)
	confirmed := flags.Bool("confirm", false, "skip confirmation prompt")
	if err := flags.Parse(args); err != nil {
		logger.Fatalf("parse clear flags: %v", err)
	}

	if !*confirmed {
		logger.Fatal("clear is destructive, rerun with --confirm")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pgPool, err := database.NewPostgresPool(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatalf("postgres connection: %v", err)
	}
	defer pgPool.Close()

	if _, err := pgPool.Exec(ctx, "TRUNCATE rag_chunks"); err != nil {
		logger.Fatalf("truncate rag_chunks: %v", err)
	}
	logger.Println("cleared Postgres rag_chunks")

	neo4jDriver, err := database.NewNeo4jDriver(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPass)
	if err != nil {
		logger.Fatalf("neo4j connection: %v", err)
	}
	defer neo4jDriver.Close(ctx)

	session := neo4jDriver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	if err := purgeNeo4j(ctx, session); err != nil {
		logger.Fatalf("clear neo4j: %v", err)
	}

	logger.Println("Neo4j chunks and entities cleared")
}

func purgeNeo4j(ctx context.Context, session neo4j.SessionWithContext) error {
	queries := []string{
		"MATCH (c:Chunk) DETACH DELETE c",
		"MATCH (e:Entity) DETACH DELETE e",
	}

	for _, query := range queries {
		result, err := session.Run(ctx, query, nil)
		if err != nil {
			return err
		}
		if _, err := result.Consume(ctx); err != nil {
			return err
		}
	}
	return nil
}

func printUsage() {
	fmt.Println("Usage: rag-backend <command> [options]")
	fmt.Println("Commands:")
	fmt.Println("  serve    Serve the search and evaluation HTTP API")
	fmt.Println("  ingest   Ingest documents into Postgres/Neo4j (use --dir to override data directory)")
	fmt.Println("  clear    Remove ingested data from Postgres/Neo4j")
}

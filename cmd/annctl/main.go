// Command annctl is a command-line front end over the annidx facade:
// build an index from a CSV of vectors, flush it to disk, then search
// it (spec §6's five object types driven end to end).
package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/annidx/annidx"
)

var (
	indexPath  string
	indexType  string
	metric     string
	dim        int
	nlist      int
	m          int
	nbits      int
	efConstr   int
	nprobe     int
	efSearch   int
	topK       int
	radius     float64
	confidence float64
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "annctl:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "annctl",
	Short: "build and query embeddable ANN vector indexes",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&indexPath, "path", "", "index file path")
	rootCmd.PersistentFlags().StringVar(&indexType, "type", "FaissHNSW", "index type: FaissHNSW, FaissIVFFlat, FaissIVFPQ")
	rootCmd.PersistentFlags().StringVar(&metric, "metric", "L2", "metric_type: L2, CosineSimilarity, InnerProduct, CosineDistance")
	rootCmd.PersistentFlags().IntVar(&dim, "dim", 0, "vector dimensionality")
	rootCmd.PersistentFlags().IntVar(&nlist, "nlist", 16, "IVF coarse-cell count")
	rootCmd.PersistentFlags().IntVar(&m, "m", 8, "PQ sub-quantizer count")
	rootCmd.PersistentFlags().IntVar(&nbits, "nbits", 8, "PQ bits per sub-quantizer code")
	rootCmd.PersistentFlags().IntVar(&efConstr, "ef-construction", 200, "HNSW efConstruction")

	buildCmd.Flags().StringVar(&csvPath, "csv", "", "CSV file of id,v0,v1,...,v{dim-1} rows")
	rootCmd.AddCommand(buildCmd)

	searchCmd.Flags().IntVar(&nprobe, "nprobe", 0, "IVF probe count (0 = searcher default of 1 probe)")
	searchCmd.Flags().IntVar(&efSearch, "ef-search", 64, "HNSW efSearch")
	searchCmd.Flags().IntVar(&topK, "k", 10, "top-k results")
	searchCmd.Flags().StringVar(&queryStr, "query", "", "comma-separated query vector")
	rootCmd.AddCommand(searchCmd)

	rangeSearchCmd.Flags().IntVar(&nprobe, "nprobe", 0, "IVF probe count (0 = searcher default of 1 probe)")
	rangeSearchCmd.Flags().Float64Var(&radius, "radius", 0, "range-search radius (squared L2 units; a cosine-similarity threshold when --metric is CosineSimilarity)")
	rangeSearchCmd.Flags().Float64Var(&confidence, "confidence", 0, "IVF-PQ range_search_confidence (alpha)")
	rangeSearchCmd.Flags().StringVar(&queryStr, "query", "", "comma-separated query vector")
	rootCmd.AddCommand(rangeSearchCmd)
}

var csvPath string
var queryStr string

func newMeta() (*annidx.IndexMeta, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("--dim is required")
	}
	typ := annidx.IndexType(indexType)
	mt := annidx.NewIndexMeta(annidx.FamilyVector, typ)
	mt.WithCommon("dim", dim).WithCommon("metric_type", metric)
	switch typ {
	case annidx.FaissHNSW:
		mt.WithIndex("M", m).WithIndex("efConstruction", efConstr)
	case annidx.FaissIVFFlat:
		mt.WithIndex("nlist", nlist)
	case annidx.FaissIVFPQ:
		mt.WithIndex("nlist", nlist).WithIndex("M", m).WithIndex("nbits", nbits)
	default:
		return nil, fmt.Errorf("unknown --type %q", indexType)
	}
	return mt, nil
}

func parseVector(s string, dim int) ([]float32, error) {
	parts := strings.Split(s, ",")
	if len(parts) != dim {
		return nil, fmt.Errorf("expected %d components, got %d", dim, len(parts))
	}
	out := make([]float32, dim)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("component %d: %w", i, err)
		}
		out[i] = float32(v)
	}
	return out, nil
}

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "build a new index from a CSV of vectors and flush it to --path",
	RunE: func(cmd *cobra.Command, args []string) error {
		if indexPath == "" {
			return fmt.Errorf("--path is required")
		}
		mt, err := newMeta()
		if err != nil {
			return err
		}

		f, err := os.Open(csvPath)
		if err != nil {
			return fmt.Errorf("open csv: %w", err)
		}
		defer f.Close()

		rows, err := csv.NewReader(f).ReadAll()
		if err != nil {
			return fmt.Errorf("read csv: %w", err)
		}

		ctx := context.Background()
		b, err := annidx.NewIndexBuilder(mt, nil)
		if err != nil {
			return err
		}
		buildID := uuid.New().String()
		if err := b.Open(indexPath); err != nil {
			return err
		}
		defer b.Close()

		vectors := make([]float32, 0, len(rows)*dim)
		ids := make([]int64, 0, len(rows))
		for i, row := range rows {
			if len(row) != dim+1 {
				return fmt.Errorf("row %d: expected id + %d components, got %d fields", i, dim, len(row))
			}
			id, err := strconv.ParseInt(strings.TrimSpace(row[0]), 10, 64)
			if err != nil {
				return fmt.Errorf("row %d: invalid id: %w", i, err)
			}
			v, err := parseVector(strings.Join(row[1:], ","), dim)
			if err != nil {
				return fmt.Errorf("row %d: %w", i, err)
			}
			vectors = append(vectors, v...)
			ids = append(ids, id)
		}

		batch := annidx.ColumnBatch{Vectors: vectors, Dim: dim, Count: len(ids), RowIDs: ids}
		if err := b.Add(ctx, batch, annidx.AddOptions{}); err != nil {
			return fmt.Errorf("add: %w", err)
		}
		h, err := b.Flush(ctx, annidx.FlushOptions{})
		if err != nil {
			return fmt.Errorf("flush: %w", err)
		}
		fmt.Printf("build %s: wrote %s with %d rows, ntotal=%d\n", buildID, indexPath, len(ids), h.Ntotal())
		return nil
	},
}

func newLoadedSearcher() (*annidx.AnnSearcher, error) {
	mt, err := newMeta()
	if err != nil {
		return nil, err
	}
	s, err := annidx.NewAnnSearcher(mt, nil)
	if err != nil {
		return nil, err
	}
	if err := s.ReadIndex(context.Background(), indexPath); err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}
	return s, nil
}

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "top-k search against an existing index",
	RunE: func(cmd *cobra.Command, args []string) error {
		if indexPath == "" {
			return fmt.Errorf("--path is required")
		}
		s, err := newLoadedSearcher()
		if err != nil {
			return err
		}
		if nprobe > 0 {
			s.SetSearchParamItem("nprobe", nprobe)
		}
		if efSearch > 0 {
			s.SetSearchParamItem("efSearch", efSearch)
		}
		q, err := parseVector(queryStr, dim)
		if err != nil {
			return fmt.Errorf("--query: %w", err)
		}
		results, err := s.Search(context.Background(), q, topK, nil)
		if err != nil {
			return fmt.Errorf("search: %w", err)
		}
		for _, r := range results {
			fmt.Printf("%d\t%f\n", r.ID, r.Distance)
		}
		return nil
	},
}

var rangeSearchCmd = &cobra.Command{
	Use:   "range-search",
	Short: "radius-bounded search against an existing index",
	RunE: func(cmd *cobra.Command, args []string) error {
		if indexPath == "" {
			return fmt.Errorf("--path is required")
		}
		s, err := newLoadedSearcher()
		if err != nil {
			return err
		}
		if nprobe > 0 {
			s.SetSearchParamItem("nprobe", nprobe)
		}
		if confidence > 0 {
			s.SetSearchParamItem("range_search_confidence", float32(confidence))
		}
		q, err := parseVector(queryStr, dim)
		if err != nil {
			return fmt.Errorf("--query: %w", err)
		}
		results, err := s.RangeSearch(context.Background(), q, float32(radius), 0, nil)
		if err != nil {
			return fmt.Errorf("range-search: %w", err)
		}
		for _, r := range results {
			fmt.Printf("%d\t%f\n", r.ID, r.Distance)
		}
		return nil
	},
}

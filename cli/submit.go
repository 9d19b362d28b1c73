package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"lexflow.evalgo.org/batch"
	"lexflow.evalgo.org/model"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "submit documents for processing",
}

var (
	submitBlob    string
	submitProject string
	submitUUID    string

	batchManifest string
	batchProject  string
	batchPriority string
	batchWarm     bool
	batchRetries  int
)

var submitDocumentCmd = &cobra.Command{
	Use:   "document",
	Short: "submit a single document",
	Long: `Registers one document and enqueues its OCR stage. Idempotent on
the document UUID: resubmitting a known document does not duplicate work.`,
	RunE: runSubmitDocument,
}

var submitBatchCmd = &cobra.Command{
	Use:   "batch",
	Short: "submit a batch of documents from a manifest file",
	Long: `Reads a YAML manifest listing documents and fans them out onto the
priority queue as one batch.

Manifest format:

    documents:
      - document_uuid: 4f7c...      # optional, generated when absent
        blob_location: s3://bucket/case-123/complaint.pdf
      - blob_location: s3://bucket/case-123/exhibit-a.pdf`,
	RunE: runSubmitBatch,
}

func init() {
	submitDocumentCmd.Flags().StringVar(&submitBlob, "blob", "", "blob ref of the source PDF (scheme://bucket/key)")
	submitDocumentCmd.Flags().StringVar(&submitProject, "project", "", "project UUID")
	submitDocumentCmd.Flags().StringVar(&submitUUID, "uuid", "", "document UUID (generated when empty)")
	submitDocumentCmd.MarkFlagRequired("blob")

	submitBatchCmd.Flags().StringVar(&batchManifest, "manifest", "", "YAML manifest file")
	submitBatchCmd.Flags().StringVar(&batchProject, "project", "", "project UUID")
	submitBatchCmd.Flags().StringVar(&batchPriority, "priority", "normal", "batch priority (high, normal, low)")
	submitBatchCmd.Flags().BoolVar(&batchWarm, "warm", true, "warm caches before processing")
	submitBatchCmd.Flags().IntVar(&batchRetries, "max-retries", 0, "per-document retry budget (0 = configured default)")
	submitBatchCmd.MarkFlagRequired("manifest")

	submitCmd.AddCommand(submitDocumentCmd)
	submitCmd.AddCommand(submitBatchCmd)
	RootCmd.AddCommand(submitCmd)
}

func runSubmitDocument(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	docUUID := submitUUID
	if docUUID == "" {
		docUUID = uuid.NewString()
	}

	taskID, err := a.coord.SubmitDocument(ctx, docUUID, submitBlob, submitProject, "")
	if err != nil {
		return err
	}

	fmt.Printf("document: %s\ntask: %s\n", docUUID, taskID)
	return nil
}

type batchManifestFile struct {
	Documents []struct {
		DocumentUUID string `yaml:"document_uuid"`
		BlobLocation string `yaml:"blob_location"`
	} `yaml:"documents"`
}

func runSubmitBatch(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	data, err := os.ReadFile(batchManifest)
	if err != nil {
		return fmt.Errorf("failed to read manifest: %w", err)
	}
	var mf batchManifestFile
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return fmt.Errorf("failed to parse manifest: %w", err)
	}

	docs := make([]batch.DocumentRef, 0, len(mf.Documents))
	for _, d := range mf.Documents {
		if d.BlobLocation == "" {
			return fmt.Errorf("manifest entry missing blob_location")
		}
		id := d.DocumentUUID
		if id == "" {
			id = uuid.NewString()
		}
		docs = append(docs, batch.DocumentRef{DocumentUUID: id, BlobLocation: d.BlobLocation})
	}

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	batchID, taskID, err := a.orch.Submit(ctx, docs, batchProject,
		model.Priority(batchPriority), batch.Options{
			WarmCache:  batchWarm,
			MaxRetries: batchRetries,
		})
	if err != nil {
		return err
	}

	fmt.Printf("batch: %s\n", batchID)
	if taskID != "" {
		fmt.Printf("task: %s\n", taskID)
	}
	fmt.Printf("documents: %d\n", len(docs))
	return nil
}

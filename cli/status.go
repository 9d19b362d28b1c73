package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "report pipeline status",
}

var metricsHours int

var statusDocCmd = &cobra.Command{
	Use:   "document <uuid>",
	Short: "show one document's state and task history",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatusDocument,
}

var statusBatchCmd = &cobra.Command{
	Use:   "batch <id>",
	Short: "show a batch progress report",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatusBatch,
}

var statusMetricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "show throughput and error summaries",
	RunE:  runStatusMetrics,
}

func init() {
	statusMetricsCmd.Flags().IntVar(&metricsHours, "hours", 24, "trailing window in hours")

	statusCmd.AddCommand(statusDocCmd)
	statusCmd.AddCommand(statusBatchCmd)
	statusCmd.AddCommand(statusMetricsCmd)
	RootCmd.AddCommand(statusCmd)
}

func printYAML(v interface{}) error {
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(v)
}

func runStatusDocument(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	docUUID := args[0]

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	doc, err := a.ps.GetDocument(ctx, docUUID)
	if err != nil {
		return err
	}
	st, err := a.ss.GetDocStatus(ctx, docUUID)
	if err != nil {
		return err
	}
	tasks, err := a.ps.ListTasks(ctx, docUUID)
	if err != nil {
		return err
	}

	type taskLine struct {
		TaskID string `yaml:"task_id"`
		Stage  string `yaml:"stage"`
		Status string `yaml:"status"`
		Error  string `yaml:"error,omitempty"`
	}
	out := struct {
		DocumentUUID string     `yaml:"document_uuid"`
		Status       string     `yaml:"status"`
		CurrentStage string     `yaml:"current_stage"`
		Completed    int        `yaml:"stages_completed"`
		Pages        int        `yaml:"pages"`
		Chunks       int        `yaml:"chunks"`
		Entities     int        `yaml:"entities"`
		Error        string     `yaml:"error,omitempty"`
		Tasks        []taskLine `yaml:"tasks"`
	}{
		DocumentUUID: doc.DocumentUUID,
		Status:       string(doc.Status),
		CurrentStage: st.CurrentStage,
		Completed:    st.StagesCompleted,
		Pages:        doc.PageCount,
		Chunks:       doc.ChunkCount,
		Entities:     doc.EntityCount,
		Error:        doc.ErrorMessage,
	}
	for _, t := range tasks {
		out.Tasks = append(out.Tasks, taskLine{
			TaskID: t.TaskID,
			Stage:  string(t.TaskType),
			Status: string(t.Status),
			Error:  t.ErrorMessage,
		})
	}
	return printYAML(out)
}

func runStatusBatch(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	progress, err := a.orch.Monitor(ctx, args[0])
	if err != nil {
		return err
	}
	return printYAML(progress)
}

func runStatusMetrics(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	throughput, err := a.mc.ThroughputReport(ctx, metricsHours)
	if err != nil {
		return err
	}
	errs, err := a.mc.ErrorReport(ctx, metricsHours)
	if err != nil {
		return err
	}

	out := struct {
		Hours      int              `yaml:"hours"`
		Throughput interface{}      `yaml:"throughput"`
		Errors     map[string]int64 `yaml:"errors"`
	}{Hours: metricsHours, Throughput: throughput, Errors: errs}

	if len(throughput) == 0 && len(errs) == 0 {
		fmt.Println("no activity in window")
		return nil
	}
	return printYAML(out)
}

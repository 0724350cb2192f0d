package warehouse

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/glue"
	gluetypes "github.com/aws/aws-sdk-go-v2/service/glue/types"
)

type GlueClient interface {
	GetTable(ctx context.Context, params *glue.GetTableInput, optFns ...func(*glue.Options)) (*glue.GetTableOutput, error)
	CreateTable(ctx context.Context, params *glue.CreateTableInput, optFns ...func(*glue.Options)) (*glue.CreateTableOutput, error)
	DeleteTable(ctx context.Context, params *glue.DeleteTableInput, optFns ...func(*glue.Options)) (*glue.DeleteTableOutput, error)
}

const (
	textInputFormat  = "org.apache.hadoop.mapred.TextInputFormat"
	textOutputFormat = "org.apache.hadoop.hive.ql.io.HiveIgnoreKeyTextOutputFormat"
	openCSVSerDe     = "org.apache.hadoop.hive.serde2.OpenCSVSerde"
)

func isNotFound(err error) bool {
	var nf *gluetypes.EntityNotFoundException
	return errors.As(err, &nf)
}

// verifyDestination fails when the database or table is missing or its
// columns (including partition keys) do not carry the declared schema.
func verifyDestination(ctx context.Context, c GlueClient, database, table string) error {
	out, err := c.GetTable(ctx, &glue.GetTableInput{
		DatabaseName: aws.String(database),
		Name:         aws.String(table),
	})
	if err != nil {
		if isNotFound(err) {
			return &LoadJobError{State: "DESTINATION_MISSING", Reason: fmt.Sprintf("table %s.%s not found", database, table), Err: err}
		}
		return &LoadJobError{State: "DESTINATION_UNKNOWN", Reason: fmt.Sprintf("glue GetTable %s.%s", database, table), Err: err}
	}

	cols := map[string]string{}
	if out.Table != nil {
		if sd := out.Table.StorageDescriptor; sd != nil {
			for _, col := range sd.Columns {
				cols[strings.ToLower(aws.ToString(col.Name))] = aws.ToString(col.Type)
			}
		}
		for _, p := range out.Table.PartitionKeys {
			cols[strings.ToLower(aws.ToString(p.Name))] = aws.ToString(p.Type)
		}
	}

	if err := checkColumns(cols); err != nil {
		return &LoadJobError{State: "SCHEMA_MISMATCH", Reason: fmt.Sprintf("%s.%s: %v", database, table, err)}
	}
	return nil
}

// stagingTableInput describes the CSV staged for one run: one header line
// skipped, quoted fields honoured and every declared column read as string
// so the load can cast strictly.
func stagingTableInput(name, location string) *gluetypes.TableInput {
	cols := make([]gluetypes.Column, 0, len(Schema))
	for _, f := range Schema {
		cols = append(cols, gluetypes.Column{
			Name: aws.String(f.Name),
			Type: aws.String("string"),
		})
	}

	return &gluetypes.TableInput{
		Name:      aws.String(name),
		TableType: aws.String("EXTERNAL_TABLE"),
		Parameters: map[string]string{
			"classification":         "csv",
			"skip.header.line.count": "1",
			"EXTERNAL":               "TRUE",
		},
		StorageDescriptor: &gluetypes.StorageDescriptor{
			Columns:      cols,
			Location:     aws.String(location),
			InputFormat:  aws.String(textInputFormat),
			OutputFormat: aws.String(textOutputFormat),
			SerdeInfo: &gluetypes.SerDeInfo{
				SerializationLibrary: aws.String(openCSVSerDe),
				Parameters: map[string]string{
					"separatorChar": ",",
					"quoteChar":     `"`,
					"escapeChar":    "\\",
				},
			},
		},
	}
}

// createStagingTable registers a table that belongs to a single load. An
// existing table with the same name is an error, never reused.
func createStagingTable(ctx context.Context, c GlueClient, database, name, location string) error {
	if _, err := c.CreateTable(ctx, &glue.CreateTableInput{
		DatabaseName: aws.String(database),
		TableInput:   stagingTableInput(name, location),
	}); err != nil {
		return &LoadJobError{State: "STAGING_FAILED", Reason: fmt.Sprintf("glue CreateTable %s.%s", database, name), Err: err}
	}
	return nil
}

func dropStagingTable(ctx context.Context, c GlueClient, database, name string) error {
	_, err := c.DeleteTable(ctx, &glue.DeleteTableInput{
		DatabaseName: aws.String(database),
		Name:         aws.String(name),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("glue DeleteTable %s.%s: %w", database, name, err)
	}
	return nil
}

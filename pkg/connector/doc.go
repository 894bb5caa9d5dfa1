// Package connector opens county data sources and yields ordered row
// batches.
//
// # Architecture Overview
//
// The connector package is organized into several sub-packages:
//
//   - core: the Descriptor that names a source, the BatchIterator every
//     adapter returns, and the Factory signature adapters register.
//
//   - registry: maps a Format to its Factory. Adapters self-register from
//     init() in their own package.
//
//   - detect: chooses a format by extension, magic bytes, then content
//     heuristics, and sniffs delimited-text dialects.
//
//   - base: the encoding fallback loop (UTF-8, Latin-1, CP1252, ISO-8859-1)
//     and the row-to-batch iterator shared by the file adapters.
//
//   - sources: csv, excel, xml, textexport (levy reports) and sql
//     (PostgreSQL, MySQL, SQLite, Snowflake); remote fetches s3, gs and
//     http(s) dumps into a temp directory first.
//
// # Batches
//
// Batches preserve source order. Each carries BatchMeta with the offset of
// its first row, the chosen text encoding and the concrete file a glob
// resolved to. Rows that cannot be parsed are passed through with
// SourceRow.ParseError set instead of ending the stream.
//
// # Example Usage
//
//	it, err := connector.Open(ctx, core.Descriptor{
//		Kind:      core.KindFile,
//		Location:  "/data/levy/*.csv",
//		BatchSize: 1000,
//	}, core.Env{Blob: router})
//	if err != nil {
//		return err
//	}
//	defer it.Close()
//
//	for {
//		batch, err := it.NextBatch(ctx)
//		if err == io.EOF {
//			break
//		}
//		if err != nil {
//			return err
//		}
//		process(batch)
//	}
package connector

// Package clpstructured writes schema-routed columnar archives of JSON log
// records.
//
// Every input record is parsed into a path in a shared schema tree. The set of
// leaf nodes a record touches is its schema, and records with the same schema
// are stored together in one segment, one column per leaf. Strings are
// replaced by ids into per-archive dictionaries.
//
// # Layout
//
// An archive is a directory named after its id:
//
//	<archive-id>/
//	    encoded_messages/<schema-id>   one compressed segment per schema
//	    var.dict                       variable strings
//	    log.dict                       strings that contain whitespace
//	    array.dict                     serialized arrays
//	    timestamp.dict                 per-key timestamp ranges
//	    schema_tree                    node list
//	    schema_ids                     schema id to node ids
//	    metadata.json                  sizes, counts and segment index
//
// # Packages
//
//   - internal/archive: column writers, schema writers and the archive writer
//   - internal/ingest: JSON-lines parsing and parallel ingestion
//   - pkg/schematree, pkg/schemamap: shared schema state
//   - pkg/dictionary: string and timestamp dictionaries
//   - pkg/compression: stream codecs and compressed file helpers
//
// # Quick Start
//
//	clps compress --output-dir ./archives logs.jsonl
//
// Programmatic use:
//
//	tree := schematree.New()
//	schemas := schemamap.New()
//	dicts := archive.NewDictionaries()
//
//	w := archive.NewWriter(tree, schemas, dicts)
//	if err := w.Open(archive.Options{ArchiveDir: "./archives", Compression: *compression.DefaultConfig()}); err != nil {
//		return err
//	}
//	in := ingest.New(tree, schemas, dicts, ingest.Options{}, logger)
//	if _, err := in.Run(ctx, os.Stdin, w); err != nil {
//		return err
//	}
//	return w.Close(ctx)
package clpstructured

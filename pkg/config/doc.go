// Package config holds the process-wide settings for assessorsync and the
// YAML documents it reads (job specs, mappings, quality rule sets).
//
// Settings are layered: defaults, then an optional YAML file, then
// ASSESSORSYNC_* environment variables, then CLI flag overrides. After Load
// returns, the Config is treated as immutable and passed explicitly to every
// component.
//
// # Settings file
//
//	chunk_size: 500
//	export_dir: /srv/assessor/exports
//	database:
//	  driver: postgres
//	  dsn: postgres://etl:${DB_PASSWORD}@db/assessor
//	enum_maps:
//	  region:
//	    C01: Central
//	    N02: North
//
// # Job specs
//
// Job specs, mapping files and rule sets are plain YAML decoded with
// LoadYAML, which substitutes ${VAR} and ${VAR:-default} from the
// environment before parsing:
//
//	name: benton-levy-2024
//	data_type: tax_record
//	mapping: levy_export
//	source:
//	  kind: file
//	  location: /data/levy/*.txt
//	  format: text_export
//
// Note that viper folds map keys to lower case, so enum_maps lookups are
// case-insensitive.
package config

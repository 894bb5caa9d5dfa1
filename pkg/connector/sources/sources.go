// Package sources links every source adapter into the binary.
package sources

import (
	// Import all source adapters to trigger init() registration
	_ "github.com/countyops/assessorsync/pkg/connector/sources/csv"
	_ "github.com/countyops/assessorsync/pkg/connector/sources/excel"
	_ "github.com/countyops/assessorsync/pkg/connector/sources/sql"
	_ "github.com/countyops/assessorsync/pkg/connector/sources/textexport"
	_ "github.com/countyops/assessorsync/pkg/connector/sources/xml"
)

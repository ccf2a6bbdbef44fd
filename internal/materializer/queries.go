// Package materializer builds the Athena statements that register and check
// the exported stat_values lake table.
package materializer

import (
	"fmt"
	"strings"
)

const TableName = "stat_values"

// BuildCreateExternal registers the long-format parquet files under
// location, partitioned the way lake keys are laid out.
func BuildCreateExternal(db, location string) string {
	if !strings.HasSuffix(location, "/") {
		location += "/"
	}
	return fmt.Sprintf(`
CREATE EXTERNAL TABLE IF NOT EXISTS %s.%s (
  entity      STRING,
  category    STRING,
  field       STRING,
  int_value   BIGINT,
  real_value  DOUBLE,
  text_value  STRING,
  row_ordinal INT,
  row_hash    STRING,
  source_url  STRING
)
PARTITIONED BY (league STRING, table_type STRING, season INT)
STORED AS PARQUET
LOCATION '%s'
TBLPROPERTIES ('parquet.compression' = 'SNAPPY')`, db, TableName, location)
}

func BuildDrop(db string) string {
	return fmt.Sprintf(`DROP TABLE IF EXISTS %s.%s`, db, TableName)
}

// BuildRepair picks up partitions added by an export.
func BuildRepair(db string) string {
	return fmt.Sprintf(`MSCK REPAIR TABLE %s.%s`, db, TableName)
}

// BuildCount is the post-export sanity query. An empty league counts everything.
func BuildCount(db, league string, season int) string {
	var where []string
	if league != "" {
		where = append(where, fmt.Sprintf("league = '%s'", sqlString(league)))
	}
	if season > 0 {
		where = append(where, fmt.Sprintf("season = %d", season))
	}
	q := fmt.Sprintf(`SELECT COUNT(*) AS c FROM %s.%s`, db, TableName)
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	return q
}

func BuildPerTableCounts(db, league string) string {
	return fmt.Sprintf(`
SELECT table_type, season, COUNT(DISTINCT row_hash) AS rows
FROM %s.%s
WHERE league = '%s'
GROUP BY table_type, season
ORDER BY table_type, season`, db, TableName, sqlString(league))
}

func sqlString(s string) string { return strings.ReplaceAll(s, "'", "''") }

package replica

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/lsst/qserv/internal/storestate"
)

// IndexSpec selects the MySQL index flavor.
type IndexSpec string

const (
	IndexDefault  IndexSpec = "DEFAULT"
	IndexUnique   IndexSpec = "UNIQUE"
	IndexFulltext IndexSpec = "FULLTEXT"
	IndexSpatial  IndexSpec = "SPATIAL"
)

// IndexColumn is one key column of an index definition.
type IndexColumn struct {
	Name      string `validate:"required"`
	Length    int    `validate:"gte=0"` // prefix length; 0 means whole column
	Ascending bool
}

// IndexDef is the validated definition SqlCreateIndexesJob applies.
type IndexDef struct {
	Spec    IndexSpec     `validate:"oneof=DEFAULT UNIQUE FULLTEXT SPATIAL"`
	Name    string        `validate:"required"`
	Comment string        `validate:"max=1024"`
	Columns []IndexColumn `validate:"required,min=1,dive"`
}

var validate = validator.New()

// SqlCreateIndexesJob creates one index on every table of the operation's
// target across every enabled worker.
type SqlCreateIndexesJob struct {
	*sqlJob
	def                IndexDef
	ignoreDuplicateKey bool
}

// NewSqlCreateIndexesJob validates def and builds the job.
func NewSqlCreateIndexesJob(ctrl *Controller, spec TableSpec, def IndexDef, ignoreDuplicateKey bool, notify func(Job)) (*SqlCreateIndexesJob, error) {
	if err := validate.Struct(spec); err != nil {
		return nil, fmt.Errorf("replica: invalid table spec: %w", err)
	}
	if err := validate.Struct(def); err != nil {
		return nil, fmt.Errorf("replica: invalid index definition: %w", err)
	}

	j := &SqlCreateIndexesJob{
		sqlJob:             newSQLJob(ctrl, "SQL_CREATE_INDEXES", spec, 1, notify),
		def:                def,
		ignoreDuplicateKey: ignoreDuplicateKey,
	}
	j.impl = j
	j.queriesFor = j.buildQueries
	if ignoreDuplicateKey {
		j.nonFatal = func(res SQLResult) bool { return isDuplicateKeyError(res.Error) }
	}
	return j, nil
}

func (j *SqlCreateIndexesJob) buildQueries(tables []string) []string {
	keys := make([]string, len(j.def.Columns))
	for i, col := range j.def.Columns {
		key := "`" + col.Name + "`"
		if col.Length > 0 {
			key += fmt.Sprintf("(%d)", col.Length)
		}
		if col.Ascending {
			key += " ASC"
		} else {
			key += " DESC"
		}
		keys[i] = key
	}
	flavor := ""
	if j.def.Spec != IndexDefault {
		flavor = string(j.def.Spec) + " "
	}

	queries := make([]string, len(tables))
	for i, table := range tables {
		queries[i] = fmt.Sprintf(
			"CREATE %sINDEX `%s` ON `%s`.`%s` (%s) COMMENT '%s'",
			flavor, j.def.Name, j.spec.Database, table, strings.Join(keys, ","), j.def.Comment)
	}
	return queries
}

func (j *SqlCreateIndexesJob) ExtendedPersistentState() []storestate.Param {
	params := j.sqlJob.ExtendedPersistentState()
	params = append(params,
		storestate.Param{Name: "index", Value: j.def.Name},
		storestate.Param{Name: "spec", Value: string(j.def.Spec)},
		storestate.Param{Name: "ignore_duplicate_key", Value: strconv.FormatBool(j.ignoreDuplicateKey)},
	)
	return params
}

// SqlDropIndexesJob drops one index on every table of the operation's
// target; only per-worker success/failure counters are kept.
type SqlDropIndexesJob struct {
	*sqlJob
	indexName string
}

// NewSqlDropIndexesJob builds the job.
func NewSqlDropIndexesJob(ctrl *Controller, spec TableSpec, indexName string, notify func(Job)) (*SqlDropIndexesJob, error) {
	if err := validate.Struct(spec); err != nil {
		return nil, fmt.Errorf("replica: invalid table spec: %w", err)
	}
	if indexName == "" {
		return nil, fmt.Errorf("replica: index name is required")
	}

	j := &SqlDropIndexesJob{
		sqlJob:    newSQLJob(ctrl, "SQL_DROP_INDEXES", spec, 1, notify),
		indexName: indexName,
	}
	j.impl = j
	j.queriesFor = func(tables []string) []string {
		queries := make([]string, len(tables))
		for i, table := range tables {
			queries[i] = fmt.Sprintf("DROP INDEX `%s` ON `%s`.`%s`", j.indexName, j.spec.Database, table)
		}
		return queries
	}
	return j, nil
}

func (j *SqlDropIndexesJob) ExtendedPersistentState() []storestate.Param {
	return append(j.sqlJob.ExtendedPersistentState(),
		storestate.Param{Name: "index", Value: j.indexName})
}

// IndexInfo is one index as reported by SHOW INDEXES, aggregated by
// SqlGetIndexesJob.
type IndexInfo struct {
	Columns map[string]int // column name -> seq_in_index
	Comment string
}

// SqlGetIndexesJob collects SHOW INDEXES output fleet-wide into
// worker -> table -> index name -> IndexInfo. A statement that fails on a
// worker is left out of the mapping and counted as a success; it is not
// reported and does not fail the job. A worker whose chunk listing or
// request fails as a whole fails the job.
type SqlGetIndexesJob struct {
	*sqlJob
	indexes map[string]map[string]map[string]*IndexInfo
}

// NewSqlGetIndexesJob builds the job.
func NewSqlGetIndexesJob(ctrl *Controller, spec TableSpec, notify func(Job)) (*SqlGetIndexesJob, error) {
	if err := validate.Struct(spec); err != nil {
		return nil, fmt.Errorf("replica: invalid table spec: %w", err)
	}

	j := &SqlGetIndexesJob{
		sqlJob:  newSQLJob(ctrl, "SQL_GET_INDEXES", spec, 0, notify),
		indexes: make(map[string]map[string]map[string]*IndexInfo),
	}
	j.impl = j
	j.queriesFor = func(tables []string) []string {
		queries := make([]string, len(tables))
		for i, table := range tables {
			queries[i] = fmt.Sprintf("SHOW INDEXES FROM `%s`.`%s`", j.spec.Database, table)
		}
		return queries
	}
	j.nonFatal = func(SQLResult) bool { return true }
	j.onResult = j.aggregate
	return j, nil
}

// aggregate folds one worker's SHOW INDEXES rows into the mapping. Expected
// columns: Table, Key_name, Seq_in_index, Column_name, Index_comment.
func (j *SqlGetIndexesJob) aggregate(worker string, results []SQLResult) {
	j.mu.Lock()
	defer j.mu.Unlock()

	byTable, ok := j.indexes[worker]
	if !ok {
		byTable = make(map[string]map[string]*IndexInfo)
		j.indexes[worker] = byTable
	}

	for _, res := range results {
		if res.Error != "" {
			continue
		}
		col := map[string]int{}
		for i, name := range res.Cols {
			col[name] = i
		}
		for _, row := range res.Rows {
			table := row[col["Table"]]
			keyName := row[col["Key_name"]]
			seq, _ := strconv.Atoi(row[col["Seq_in_index"]])

			byIndex, ok := byTable[table]
			if !ok {
				byIndex = make(map[string]*IndexInfo)
				byTable[table] = byIndex
			}
			info, ok := byIndex[keyName]
			if !ok {
				info = &IndexInfo{Columns: map[string]int{}}
				if i, present := col["Index_comment"]; present {
					info.Comment = row[i]
				}
				byIndex[keyName] = info
			}
			info.Columns[row[col["Column_name"]]] = seq
		}
	}
}

// Indexes returns the aggregated mapping. Only meaningful once the job
// finished.
func (j *SqlGetIndexesJob) Indexes() map[string]map[string]map[string]*IndexInfo {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.indexes
}

package merger

import (
	"database/sql"
	"fmt"
	"strings"
)

// SQLLoader adapts a database/sql connection to the BulkLoader contract for
// engines that lack LOAD DATA LOCAL INFILE. It decodes the bulk-load stream
// back into rows and executes batched INSERTs. Only complete rows are
// consumed; a trailing partial line is left for the next call.
type SQLLoader struct {
	db      *sql.DB
	columns int
}

// NewSQLLoader wraps db as a bulk loader.
func NewSQLLoader(db *sql.DB) *SQLLoader {
	return &SQLLoader{db: db}
}

func (l *SQLLoader) CreateTable(table string, columnDefs []string) error {
	l.columns = len(columnDefs)
	query := fmt.Sprintf("CREATE TABLE IF NOT EXISTS `%s` (%s)", table, strings.Join(columnDefs, ", "))
	if _, err := l.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create result table %s: %w", table, err)
	}
	return nil
}

func (l *SQLLoader) Load(table string, data []byte) (int, error) {
	// Consume up to the last complete row; a fragment boundary can split a
	// line in half.
	end := strings.LastIndexByte(string(data), '\n')
	if end < 0 {
		return 0, nil
	}
	consumed := end + 1

	tx, err := l.db.Begin()
	if err != nil {
		return -1, err
	}
	defer tx.Rollback()

	placeholders := "?" + strings.Repeat(", ?", l.columns-1)
	stmt, err := tx.Prepare(fmt.Sprintf("INSERT INTO `%s` VALUES (%s)", table, placeholders))
	if err != nil {
		return -1, err
	}
	defer stmt.Close()

	for _, line := range strings.Split(string(data[:end]), "\n") {
		args, err := decodeLine(line, l.columns)
		if err != nil {
			return -1, err
		}
		if _, err := stmt.Exec(args...); err != nil {
			return -1, err
		}
	}
	if err := tx.Commit(); err != nil {
		return -1, err
	}
	return consumed, nil
}

// decodeLine splits one bulk-load line back into driver arguments.
func decodeLine(line string, columns int) ([]interface{}, error) {
	cells := strings.Split(line, ColumnSeparator)
	if len(cells) != columns {
		return nil, fmt.Errorf("row has %d cells, table has %d columns", len(cells), columns)
	}
	args := make([]interface{}, len(cells))
	for i, cell := range cells {
		switch {
		case cell == NullToken:
			args[i] = nil
		case len(cell) >= 2 && cell[0] == '\'' && cell[len(cell)-1] == '\'':
			text, err := Unescape(cell[1 : len(cell)-1])
			if err != nil {
				return nil, err
			}
			args[i] = text
		default:
			text, err := Unescape(cell)
			if err != nil {
				return nil, err
			}
			args[i] = text
		}
	}
	return args, nil
}

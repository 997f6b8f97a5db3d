package db

import (
	"strings"

	"gorm.io/gorm"
)

// OnConflict renders the tail of an INSERT that collides on the conflict
// columns. Without update columns the insert is skipped and reports zero rows
// affected. MySQL keys the conflict on whichever unique index fires, so the
// conflict columns only name the no-op assignment there.
func OnConflict(db *gorm.DB, conflict []string, update ...string) string {
	if IsMySQL(db) {
		sets := make([]string, 0, len(update))
		for _, col := range update {
			sets = append(sets, col+" = VALUES("+col+")")
		}
		if len(sets) == 0 && len(conflict) > 0 {
			sets = append(sets, conflict[0]+" = "+conflict[0])
		}
		return "ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
	}

	target := "ON CONFLICT (" + strings.Join(conflict, ", ") + ")"
	if len(update) == 0 {
		return target + " DO NOTHING"
	}
	sets := make([]string, 0, len(update))
	for _, col := range update {
		sets = append(sets, col+" = EXCLUDED."+col)
	}
	return target + " DO UPDATE SET " + strings.Join(sets, ", ")
}

func IsMySQL(db *gorm.DB) bool {
	return db != nil && db.Config != nil && db.Dialector != nil && db.Dialector.Name() == "mysql"
}

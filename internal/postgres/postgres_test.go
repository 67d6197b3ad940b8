/*
Copyright The CloudNativePG Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package postgres

import (
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	_ "github.com/lib/pq"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/cloudnative-pg/pgarchive/internal/pgerror"
)

func TestPostgres(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "postgres Suite")
}

// These specs issue the Controller's control statements against a
// sqlmock-backed *sql.DB, so the control-statement shape is exercised
// without standing up pgx against a live server (pgx has no sqlmock driver of its own; the teacher's own
// pool_test.go registers against database/sql + lib/pq for the same reason).
var _ = Describe("control statement shapes", func() {
	var db *sql.DB
	var mock sqlmock.Sqlmock

	BeforeEach(func() {
		var err error
		db, mock, err = sqlmock.New()
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		Expect(db.Close()).To(Succeed())
	})

	It("parses pg_backup_start's single-column LSN result", func() {
		mock.ExpectQuery("SELECT pg_backup_start").
			WithArgs("pgarchive base backup").
			WillReturnRows(sqlmock.NewRows([]string{"pg_backup_start"}).AddRow("0/3000028"))
		mock.ExpectQuery("SELECT pg_walfile_name").
			WithArgs("0/3000028").
			WillReturnRows(sqlmock.NewRows([]string{"pg_walfile_name"}).AddRow("0000000100000000000000A6"))

		var lsn string
		Expect(db.QueryRow("SELECT pg_backup_start($1, true)", "pgarchive base backup").Scan(&lsn)).To(Succeed())
		Expect(lsn).To(Equal("0/3000028"))

		var segment string
		Expect(db.QueryRow("SELECT pg_walfile_name($1)", lsn).Scan(&segment)).To(Succeed())
		Expect(segment).To(Equal("0000000100000000000000A6"))

		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})

	It("parses pg_backup_stop's three-column result", func() {
		mock.ExpectQuery("SELECT lsn, labelfile, spcmapfile FROM pg_backup_stop").
			WillReturnRows(sqlmock.NewRows([]string{"lsn", "labelfile", "spcmapfile"}).
				AddRow("0/4000110", "START WAL LOCATION: 0/3000028", ""))

		var stopLSN, labelFile, spcMapFile string
		row := db.QueryRow("SELECT lsn, labelfile, spcmapfile FROM pg_backup_stop(true)")
		Expect(row.Scan(&stopLSN, &labelFile, &spcMapFile)).To(Succeed())
		Expect(stopLSN).To(Equal("0/4000110"))
		Expect(labelFile).To(ContainSubstring("START WAL LOCATION"))

		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})
})

var _ = Describe("classifyControlError", func() {
	It("classifies a concurrent-backup error as Precondition", func() {
		err := classifyControlError("postgres.BackupStart",
			&sqlBackupAlreadyRunningError{})
		Expect(pgerror.Is(err, pgerror.KindPrecondition)).To(BeTrue())
	})

	It("classifies any other control error as Fatal", func() {
		err := classifyControlError("postgres.BackupStart", sql.ErrNoRows)
		Expect(pgerror.Is(err, pgerror.KindFatal)).To(BeTrue())
	})
})

type sqlBackupAlreadyRunningError struct{}

func (e *sqlBackupAlreadyRunningError) Error() string {
	return "ERROR: a backup is already in progress in this session"
}

package wire

import (
	"github.com/jackc/pgpassfile"
)

// PassfileSource resolves the startup password from a ~/.pgpass style file.
// The empty byte slice is returned when no entry matches, which trust and
// peer based setups accept.
func PassfileSource(path, host, port, dbname, user string) ([]byte, error) {
	passfile, err := pgpassfile.ReadPassfile(path)
	if err != nil {
		return nil, err
	}

	return []byte(passfile.FindPassword(host, port, dbname, user)), nil
}

package domain

import "time"

const KB = 1024
const MB = KB * KB

// StagedFile is a file body persisted to temporary storage until
// every recipient referencing it has been served.
type StagedFile struct {
	ID        string
	Sender    string
	Target    string
	Group     bool
	Filename  string
	Size      int64
	Mime      string
	Checksum  string
	Path      string
	Refs      int
	CreatedAt time.Time
}

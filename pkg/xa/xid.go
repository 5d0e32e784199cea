package xa

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// FormatID marks branch identifiers created by this coordinator. Prepared
// branches carrying another format id belong to someone else and are left
// alone by recovery.
const FormatID = 0x5853

// MaxGidLen is the longest gid PostgreSQL accepts in PREPARE TRANSACTION.
const MaxGidLen = 199

// Xid identifies one branch of a global transaction.
type Xid struct {
	FormatID        int
	GlobalID        string
	BranchQualifier string
}

// NewGlobalID returns a fresh global transaction id.
func NewGlobalID() string {
	return uuid.New().String()
}

// NewXid builds the branch id of shard within the global transaction gtrid.
func NewXid(gtrid, shard string) Xid {
	return Xid{
		FormatID:        FormatID,
		GlobalID:        gtrid,
		BranchQualifier: shard,
	}
}

// String encodes the xid as a gid accepted by PREPARE TRANSACTION.
// The branch qualifier is hex encoded so shard names never break the format.
func (x Xid) String() string {
	return fmt.Sprintf("%x.%s.%s", x.FormatID, x.GlobalID, hex.EncodeToString([]byte(x.BranchQualifier)))
}

// CheckBranchQualifier fails if the xids of shard would encode to a gid
// longer than MaxGidLen.
func CheckBranchQualifier(shard string) error {
	if n := len(NewXid(NewGlobalID(), shard).String()); n > MaxGidLen {
		return errors.Errorf("branch qualifier encodes to a %d byte gid, limit is %d", n, MaxGidLen)
	}
	return nil
}

// Ours reports whether the xid was produced by this coordinator.
func (x Xid) Ours() bool {
	return x.FormatID == FormatID
}

// ParseXid decodes a gid produced by Xid.String.
func ParseXid(gid string) (Xid, error) {
	parts := strings.SplitN(gid, ".", 3)
	if len(parts) != 3 {
		return Xid{}, errors.Errorf("xid %q: expected 3 parts, got %d", gid, len(parts))
	}

	formatID, err := strconv.ParseInt(parts[0], 16, 32)
	if err != nil {
		return Xid{}, errors.Wrapf(err, "xid %q: format id", gid)
	}

	if parts[1] == "" {
		return Xid{}, errors.Errorf("xid %q: empty global id", gid)
	}

	bqual, err := hex.DecodeString(parts[2])
	if err != nil {
		return Xid{}, errors.Wrapf(err, "xid %q: branch qualifier", gid)
	}

	return Xid{
		FormatID:        int(formatID),
		GlobalID:        parts[1],
		BranchQualifier: string(bqual),
	}, nil
}

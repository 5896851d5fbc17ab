package remediate

import "pkt.systems/bucketkey/internal/storage"

// SkipReason explains why an object does not need, or cannot take, a bucket
// key. Each reason reads as a predicate on the object key.
type SkipReason string

// Skip reasons, in the order Validate checks them.
const (
	ReasonNotAFile         SkipReason = "is not a file"
	ReasonNotKMSEncrypted  SkipReason = "is not KMS encrypted"
	ReasonArchived         SkipReason = "is archived"
	ReasonBucketKeyEnabled SkipReason = "already has the bucket key enabled"
)

// Eligibility is the verdict of Validate. Reason is empty when Eligible.
type Eligibility struct {
	Eligible bool
	Reason   SkipReason
}

// Validate decides whether meta describes an object that should be copied
// onto itself with the bucket key enabled. The first failing check wins.
func Validate(meta storage.ObjectMetadata) Eligibility {
	switch {
	case meta.Size == 0:
		return Eligibility{Reason: ReasonNotAFile}
	case !meta.KMSEncrypted():
		return Eligibility{Reason: ReasonNotKMSEncrypted}
	case meta.Archived():
		return Eligibility{Reason: ReasonArchived}
	case meta.BucketKeyEnabled:
		return Eligibility{Reason: ReasonBucketKeyEnabled}
	}
	return Eligibility{Eligible: true}
}

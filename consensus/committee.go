package consensus

import (
	"fmt"

	"github.com/carry2web/core/signing"
)

// AuthorityIndex identifies a committee member by its position in the
// canonical committee ordering.
type AuthorityIndex uint32

// Stake is the voting weight of an authority.
type Stake uint64

// Authority is a committee member with a weighted stake and a key pair.
type Authority struct {
	Stake     Stake
	Hostname  string
	PublicKey *signing.PublicKey
}

// Committee is the fixed validator set of an epoch. The committee never
// changes within an epoch; reconfiguration swaps the whole committee.
type Committee struct {
	epoch       uint64
	authorities []*Authority
	totalStake  Stake
}

func NewCommittee(epoch uint64, authorities []*Authority) *Committee {
	totalStake := Stake(0)
	for _, authority := range authorities {
		totalStake += authority.Stake
	}
	return &Committee{
		epoch:       epoch,
		authorities: authorities,
		totalStake:  totalStake,
	}
}

func (committee *Committee) Epoch() uint64 {
	return committee.epoch
}

func (committee *Committee) Size() int {
	return len(committee.authorities)
}

func (committee *Committee) TotalStake() Stake {
	return committee.totalStake
}

// QuorumThreshold returns the minimum stake of a quorum (2f+1).
func (committee *Committee) QuorumThreshold() Stake {
	return 2*committee.totalStake/3 + 1
}

// ValidityThreshold returns the minimum stake guaranteed to contain at least
// one honest authority (f+1).
func (committee *Committee) ValidityThreshold() Stake {
	return (committee.totalStake + 2) / 3
}

// ReachedQuorum reports whether stake meets the quorum threshold.
func (committee *Committee) ReachedQuorum(stake Stake) bool {
	return stake >= committee.QuorumThreshold()
}

// ReachedValidity reports whether stake meets the validity threshold.
func (committee *Committee) ReachedValidity(stake Stake) bool {
	return stake >= committee.ValidityThreshold()
}

// IsValidIndex reports whether index identifies a committee member.
func (committee *Committee) IsValidIndex(index AuthorityIndex) bool {
	return int(index) < len(committee.authorities)
}

// Authority returns the committee member at index. Panics on an invalid
// index: callers must validate untrusted indices first.
func (committee *Committee) Authority(index AuthorityIndex) *Authority {
	if !committee.IsValidIndex(index) {
		panic(fmt.Sprintf("Committee.Authority: invalid authority index %d, committee size %d",
			index, len(committee.authorities)))
	}
	return committee.authorities[index]
}

// Stake returns the stake of the authority at index.
func (committee *Committee) Stake(index AuthorityIndex) Stake {
	return committee.Authority(index).Stake
}

// Hostname returns the configured hostname of the authority at index, used
// as a stable metric and log label.
func (committee *Committee) Hostname(index AuthorityIndex) string {
	return committee.Authority(index).Hostname
}

// NewCommitteeForTest builds a committee with the provided stakes and
// deterministic key pairs. Returns the committee and one Signer per
// authority, in index order.
func NewCommitteeForTest(epoch uint64, stakes []Stake) (*Committee, []*signing.Signer) {
	authorities := make([]*Authority, 0, len(stakes))
	signers := make([]*signing.Signer, 0, len(stakes))
	for ii, stake := range stakes {
		publicKey, privateKey := signing.DeterministicKeyPair(int64(epoch)<<32 | int64(ii))
		signer, err := signing.NewSigner(privateKey)
		if err != nil {
			panic(err)
		}
		authorities = append(authorities, &Authority{
			Stake:     stake,
			Hostname:  fmt.Sprintf("test_host_%d", ii),
			PublicKey: publicKey,
		})
		signers = append(signers, signer)
	}
	return NewCommittee(epoch, authorities), signers
}

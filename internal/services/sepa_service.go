package services

import (
	"context"
	"database/sql"
	"encoding/xml"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/moov-io/iso20022/pkg/common"
	"github.com/moov-io/iso20022/pkg/pacs_v08"

	"github.com/creatorpay/backend/internal/config"
	"github.com/creatorpay/backend/internal/models"
	"github.com/creatorpay/backend/internal/vault"
)

// SEPAService builds the pacs.008 credit-transfer instruction for a payout.
// This is the only code path that decrypts a stored IBAN; the plaintext lives
// only inside the generated instruction, never in export artifacts or logs.
type SEPAService struct {
	db    *sql.DB
	vault *vault.Vault
	cfg   *config.PayoutConfig
}

func NewSEPAService(db *sql.DB, v *vault.Vault, cfg *config.PayoutConfig) *SEPAService {
	return &SEPAService{db: db, vault: v, cfg: cfg}
}

// BankInstruction builds the credit-transfer document for one payout. The
// payout must already be part of an exported batch.
func (s *SEPAService) BankInstruction(ctx context.Context, payout *models.Payout) (*pacs_v08.FIToFICustomerCreditTransferV08, error) {
	var encrypted, holder string
	var bic sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT iban_encrypted, account_holder_name, bic
		FROM payout_settings WHERE creator_id = $1`, payout.CreatorID).
		Scan(&encrypted, &holder, &bic)
	if err == sql.ErrNoRows {
		return nil, ErrSettingsNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load settlement details for %s: %w", payout.CreatorID, err)
	}

	iban, err := s.vault.Decrypt(encrypted)
	if err != nil {
		// A DecryptionError here means the stored bank data is compromised;
		// it must reach the operator, never be papered over.
		return nil, err
	}

	msgID := uuid.New().String()
	now := time.Now()
	// The iso20022 amount field is a float64; conversion happens only at this
	// serialization boundary, cents stay the source of truth.
	amount, _ := decimal.New(payout.AmountCents, -2).Float64()

	doc := &pacs_v08.FIToFICustomerCreditTransferV08{
		GrpHdr: pacs_v08.GroupHeader93{
			MsgId:   common.Max35Text(msgID),
			CreDtTm: common.ISODateTime(now),
			NbOfTxs: "1",
			TtlIntrBkSttlmAmt: &pacs_v08.ActiveCurrencyAndAmount{
				Ccy:   common.ActiveCurrencyCode(payout.Currency),
				Value: amount,
			},
			IntrBkSttlmDt: (*common.ISODate)(&now),
			SttlmInf: pacs_v08.SettlementInstruction7{
				SttlmMtd: "CLRG",
			},
		},
		CdtTrfTxInf: []pacs_v08.CreditTransferTransaction39{
			{
				PmtId: pacs_v08.PaymentIdentification7{
					InstrId:    &[]common.Max35Text{common.Max35Text(payout.ID)}[0],
					EndToEndId: common.Max35Text(payout.ExportBatchID),
					TxId:       &[]common.Max35Text{common.Max35Text(payout.ID)}[0],
				},
				IntrBkSttlmAmt: pacs_v08.ActiveCurrencyAndAmount{
					Ccy:   common.ActiveCurrencyCode(payout.Currency),
					Value: amount,
				},
				IntrBkSttlmDt: (*common.ISODate)(&now),
				ChrgBr:        "SLEV",
				DbtrAgt: pacs_v08.BranchAndFinancialInstitutionIdentification6{
					FinInstnId: pacs_v08.FinancialInstitutionIdentification18{
						BICFI: &[]common.BICFIDec2014Identifier{common.BICFIDec2014Identifier(s.cfg.DebtorBIC)}[0],
					},
				},
				Dbtr: pacs_v08.PartyIdentification135{
					Nm: &[]common.Max140Text{common.Max140Text("CreatorPay Platform")}[0],
				},
				CdtrAgt: pacs_v08.BranchAndFinancialInstitutionIdentification6{
					FinInstnId: pacs_v08.FinancialInstitutionIdentification18{
						BICFI: &[]common.BICFIDec2014Identifier{common.BICFIDec2014Identifier(bic.String)}[0],
					},
				},
				Cdtr: pacs_v08.PartyIdentification135{
					Nm: &[]common.Max140Text{common.Max140Text(holder)}[0],
				},
				CdtrAcct: &pacs_v08.CashAccount38{
					Id: pacs_v08.AccountIdentification4Choice{
						IBAN: &[]common.IBAN2007Identifier{common.IBAN2007Identifier(iban)}[0],
					},
				},
			},
		},
	}

	return doc, nil
}

// InstructionXML renders the instruction document.
func (s *SEPAService) InstructionXML(doc *pacs_v08.FIToFICustomerCreditTransferV08) (string, error) {
	xmlData, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal XML: %w", err)
	}
	return xml.Header + string(xmlData), nil
}

// StatusReport builds the pacs.002 acknowledgement mirrored back to the bank
// process for a reconciled payout. Status codes follow the external payment
// transaction status set (ACSC settled, RJCT rejected).
func (s *SEPAService) StatusReport(payout *models.Payout, status string) (*pacs_v08.FIToFIPaymentStatusReportV08, error) {
	msgID := uuid.New().String()

	doc := &pacs_v08.FIToFIPaymentStatusReportV08{
		GrpHdr: pacs_v08.GroupHeader53{
			MsgId:   common.Max35Text(msgID),
			CreDtTm: common.ISODateTime(time.Now()),
		},
		TxInfAndSts: []pacs_v08.PaymentTransaction80{
			{
				OrgnlInstrId:    &[]common.Max35Text{common.Max35Text(payout.ID)}[0],
				OrgnlEndToEndId: &[]common.Max35Text{common.Max35Text(payout.ExportBatchID)}[0],
				OrgnlTxId:       &[]common.Max35Text{common.Max35Text(payout.ID)}[0],
				TxSts:           &[]pacs_v08.ExternalPaymentTransactionStatus1Code{pacs_v08.ExternalPaymentTransactionStatus1Code(status)}[0],
			},
		},
	}

	return doc, nil
}

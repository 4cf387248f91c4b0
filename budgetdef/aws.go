package budgetdef

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/budgets"
	"github.com/shopspring/decimal"

	errs "costgate/pkg/errors"
)

// AWSService reads budget definitions from the AWS Budgets API.
type AWSService struct {
	client *budgets.Client
}

func NewAWSService(client *budgets.Client) *AWSService {
	return &AWSService{client: client}
}

func (s *AWSService) Describe(ctx context.Context, accountID, budgetName string) (Definition, error) {
	out, err := s.client.DescribeBudget(ctx, &budgets.DescribeBudgetInput{
		AccountId:  aws.String(accountID),
		BudgetName: aws.String(budgetName),
	})
	if err != nil {
		return Definition{}, errs.NewExternalCallError("AWS Budgets", err)
	}
	b := out.Budget
	if b == nil || b.BudgetLimit == nil || b.CalculatedSpend == nil {
		return Definition{}, fmt.Errorf("describe budget %s: incomplete response", budgetName)
	}

	def := Definition{}
	if def.Limit, err = parseAmount(b.BudgetLimit.Amount); err != nil {
		return Definition{}, fmt.Errorf("budget %s limit: %w", budgetName, err)
	}
	if b.CalculatedSpend.ActualSpend != nil {
		if def.ActualSpend, err = parseAmount(b.CalculatedSpend.ActualSpend.Amount); err != nil {
			return Definition{}, fmt.Errorf("budget %s actual spend: %w", budgetName, err)
		}
	}
	if b.CalculatedSpend.ForecastedSpend != nil {
		if def.ForecastedSpend, err = parseAmount(b.CalculatedSpend.ForecastedSpend.Amount); err != nil {
			return Definition{}, fmt.Errorf("budget %s forecasted spend: %w", budgetName, err)
		}
	}
	return def, nil
}

func parseAmount(amount *string) (decimal.Decimal, error) {
	if amount == nil {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(*amount)
}

var _ Service = (*AWSService)(nil)

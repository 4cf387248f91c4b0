package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awspricing "github.com/aws/aws-sdk-go-v2/service/pricing"
	"github.com/aws/aws-sdk-go-v2/service/pricing/types"
	"github.com/shopspring/decimal"

	errs "costgate/pkg/errors"
)

// AWSPriceSource resolves on-demand EC2 unit prices from the AWS Pricing
// API. The API only lives in a couple of regions, so the client is usually
// built against us-east-1 regardless of where the instance will run.
type AWSPriceSource struct {
	client *awspricing.Client
}

func NewAWSPriceSource(client *awspricing.Client) *AWSPriceSource {
	return &AWSPriceSource{client: client}
}

func (s *AWSPriceSource) UnitPrice(ctx context.Context, operatingSystem, instanceType, region, termType string) (decimal.Decimal, error) {
	location := regionDisplayName(region)
	if location == "" {
		return decimal.Zero, fmt.Errorf("unknown region %q", region)
	}

	filters := []types.Filter{
		termMatch("tenancy", "Shared"),
		termMatch("location", location),
		termMatch("operatingSystem", operatingSystem),
		termMatch("preInstalledSw", "NA"),
		termMatch("termType", termType),
		termMatch("capacityStatus", "Used"),
		termMatch("instanceType", instanceType),
	}
	// Windows listings carry a license dimension that must be pinned down.
	if strings.Contains(operatingSystem, "Windows") {
		filters = append(filters, termMatch("licenseModel", "No License required"))
	}

	out, err := s.client.GetProducts(ctx, &awspricing.GetProductsInput{
		ServiceCode:   aws.String("AmazonEC2"),
		Filters:       filters,
		FormatVersion: aws.String("aws_v1"),
		MaxResults:    aws.Int32(20),
	})
	if err != nil {
		return decimal.Zero, errs.NewExternalCallError("AWS Pricing", err)
	}
	if len(out.PriceList) == 0 {
		return decimal.Zero, fmt.Errorf("no pricing match for %s/%s in %s", operatingSystem, instanceType, region)
	}

	return extractUnitPrice([]byte(out.PriceList[0]), termType)
}

func termMatch(field, value string) types.Filter {
	return types.Filter{
		Type:  types.FilterTypeTermMatch,
		Field: aws.String(field),
		Value: aws.String(value),
	}
}

// priceListEntry is the slice of the AWS price-list document we care about:
// terms -> <termType> -> <offer> -> priceDimensions -> <dim> -> pricePerUnit.
type priceListEntry struct {
	Terms map[string]map[string]struct {
		PriceDimensions map[string]struct {
			PricePerUnit map[string]string `json:"pricePerUnit"`
		} `json:"priceDimensions"`
	} `json:"terms"`
}

func extractUnitPrice(priceList []byte, termType string) (decimal.Decimal, error) {
	var entry priceListEntry
	if err := json.Unmarshal(priceList, &entry); err != nil {
		return decimal.Zero, fmt.Errorf("parse price list: %w", err)
	}
	for _, offer := range entry.Terms[termType] {
		for _, dim := range offer.PriceDimensions {
			if usd, ok := dim.PricePerUnit["USD"]; ok {
				return decimal.NewFromString(usd)
			}
		}
	}
	return decimal.Zero, fmt.Errorf("no USD price dimension for term type %s", termType)
}

// regionDisplayName maps an AWS region code to the location name the
// Pricing API filters on. Returns "" for unknown regions.
func regionDisplayName(region string) string {
	switch strings.ToLower(region) {
	case "us-west-1":
		return "US West (N. California)"
	case "us-west-2":
		return "US West (Oregon)"
	case "us-east-1":
		return "US East (N. Virginia)"
	case "us-east-2":
		return "US East (Ohio)"
	case "ca-central-1":
		return "Canada (Central)"
	case "ap-south-1":
		return "Asia Pacific (Mumbai)"
	case "ap-northeast-2":
		return "Asia Pacific (Seoul)"
	case "ap-southeast-1":
		return "Asia Pacific (Singapore)"
	case "ap-southeast-2":
		return "Asia Pacific (Sydney)"
	case "ap-northeast-1":
		return "Asia Pacific (Tokyo)"
	case "eu-central-1":
		return "EU (Frankfurt)"
	case "eu-west-1":
		return "EU (Ireland)"
	case "eu-west-2":
		return "EU (London)"
	case "sa-east-1":
		return "South America (Sao Paulo)"
	case "us-gov-west-1":
		return "GovCloud (US)"
	}
	return ""
}

var _ UnitPriceSource = (*AWSPriceSource)(nil)

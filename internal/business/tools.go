package business

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/calldeck/calldeck/internal/tool"
)

// RegisterTools adds the built-in insurance tools to the registry. Call once
// during startup, before Freeze.
func RegisterTools(r *tool.Registry, claims *ClaimsService, customers *CustomerService, knowledge *KnowledgeService) error {
	defs := []tool.Definition{
		{
			Name:        "get_claim_status",
			Description: "Get the current status and details of an insurance claim",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"claim_id": map[string]any{
						"type":        "string",
						"description": "The unique identifier of the claim (UUID format)",
					},
				},
				"required": []string{"claim_id"},
			},
			CacheTTL: 30 * time.Minute,
			Timeout:  5 * time.Second,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				claimID, err := uuidArg(args, "claim_id")
				if err != nil {
					return nil, err
				}
				c, err := claims.GetClaimStatus(ctx, claimID)
				if err != nil {
					return nil, err
				}
				if c == nil {
					return nil, fmt.Errorf("claim not found: %s", claimID)
				}
				return c, nil
			},
		},
		{
			Name:        "list_customer_claims",
			Description: "List all claims for a specific customer, ordered by creation date (newest first)",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"customer_id": map[string]any{
						"type":        "string",
						"description": "The unique identifier of the customer (UUID format)",
					},
					"limit": map[string]any{
						"type":        "integer",
						"description": "Maximum number of claims to return (default 10, max 50)",
						"default":     10, "minimum": 1, "maximum": 50,
					},
					"offset": map[string]any{
						"type":        "integer",
						"description": "Number of claims to skip for pagination (default 0)",
						"default":     0, "minimum": 0,
					},
				},
				"required": []string{"customer_id"},
			},
			CacheTTL: 30 * time.Minute,
			Timeout:  5 * time.Second,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				customerID, err := uuidArg(args, "customer_id")
				if err != nil {
					return nil, err
				}
				return claims.ListCustomerClaims(ctx, customerID, intArg(args, "limit"), intArg(args, "offset"))
			},
		},
		{
			Name:        "submit_claim",
			Description: "Submit a new insurance claim for a customer",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"customer_id": map[string]any{
						"type":        "string",
						"description": "The unique identifier of the customer (UUID format)",
					},
					"claim_type": map[string]any{
						"type":        "string",
						"description": "Type of claim",
						"enum":        []string{"auto", "health", "property"},
					},
					"amount": map[string]any{
						"type":        "number",
						"description": "Claim amount in dollars (must be positive)",
						"minimum":     0.01,
					},
					"description": map[string]any{
						"type":        "string",
						"description": "Detailed description of the claim",
						"minLength":   10,
					},
					"documents": map[string]any{
						"type":        "array",
						"description": "Optional list of document references",
					},
				},
				"required": []string{"customer_id", "claim_type", "amount", "description"},
			},
			// Write operation: never cached, longer timeout.
			Timeout: 10 * time.Second,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				customerID, err := uuidArg(args, "customer_id")
				if err != nil {
					return nil, err
				}
				documents, err := documentsArg(args, "documents")
				if err != nil {
					return nil, err
				}
				return claims.SubmitClaim(ctx, customerID,
					stringArg(args, "claim_type"),
					floatArg(args, "amount"),
					stringArg(args, "description"),
					documents)
			},
		},
		{
			Name:        "get_customer_info",
			Description: "Get customer information and policy details by customer ID or phone number",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"customer_id": map[string]any{
						"type":        "string",
						"description": "The unique identifier of the customer (UUID format)",
					},
					"phone": map[string]any{
						"type":        "string",
						"description": "Customer phone number (E.164 format preferred)",
					},
				},
			},
			CacheTTL: 30 * time.Minute,
			Timeout:  5 * time.Second,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				var customerID *uuid.UUID
				if stringArg(args, "customer_id") != "" {
					id, err := uuidArg(args, "customer_id")
					if err != nil {
						return nil, err
					}
					customerID = &id
				}
				c, err := customers.GetCustomerInfo(ctx, customerID, stringArg(args, "phone"))
				if err != nil {
					return nil, err
				}
				if c == nil {
					return nil, fmt.Errorf("customer not found")
				}
				return c, nil
			},
		},
		{
			Name:        "verify_customer_identity",
			Description: "Verify customer identity using phone number and policy number. IMPORTANT: Rate limited to 3 attempts per hour per phone number.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"phone": map[string]any{
						"type":        "string",
						"description": "Customer phone number (E.164 format preferred)",
					},
					"policy_number": map[string]any{
						"type":        "string",
						"description": "Customer policy number (alphanumeric)",
					},
				},
				"required": []string{"phone", "policy_number"},
			},
			// Verification results are never cached.
			Timeout: 5 * time.Second,
			RateLimit: &tool.RateLimit{
				MaxCalls:        3,
				Window:          time.Hour,
				IdentifierField: "phone",
			},
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return customers.VerifyCustomerIdentity(ctx,
					stringArg(args, "phone"),
					stringArg(args, "policy_number"))
			},
		},
		{
			Name:        "search_knowledge_base",
			Description: "Search the insurance knowledge base for policy information, coverage details, FAQs, and procedures. Uses full-text search with relevance ranking.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "Search query (e.g., 'dental coverage', 'claim submission process')",
						"minLength":   3,
					},
					"category": map[string]any{
						"type":        "string",
						"description": "Optional category filter to narrow results",
						"enum":        []string{"auto", "health", "property", "general"},
					},
					"limit": map[string]any{
						"type":        "integer",
						"description": "Maximum number of results to return (default 5, max 20)",
						"default":     5, "minimum": 1, "maximum": 20,
					},
				},
				"required": []string{"query"},
			},
			CacheTTL: 30 * time.Minute,
			Timeout:  10 * time.Second,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return knowledge.SearchKnowledgeBase(ctx,
					stringArg(args, "query"),
					stringArg(args, "category"),
					intArg(args, "limit"))
			},
		},
	}

	for _, def := range defs {
		if err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// Argument helpers. Tool arguments arrive as decoded JSON, so numbers are
// float64 and absent fields are simply missing from the map.

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func floatArg(args map[string]any, key string) float64 {
	f, _ := args[key].(float64)
	return f
}

func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func uuidArg(args map[string]any, key string) (uuid.UUID, error) {
	raw := stringArg(args, key)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s format: %q", key, raw)
	}
	return id, nil
}

// documentsArg decodes the optional documents array through JSON so callers
// can pass either []Document or the raw []any a model produces.
func documentsArg(args map[string]any, key string) ([]Document, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return nil, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", key, err)
	}
	var docs []Document
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", key, err)
	}
	return docs, nil
}

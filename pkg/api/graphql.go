package api

import (
	"encoding/json"
	"net/http"

	"github.com/graphql-go/graphql"
)

// GraphQLRequest represents a GraphQL HTTP request
type GraphQLRequest struct {
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables,omitempty"`
	OperationName string         `json:"operationName,omitempty"`
}

// GraphQLResponse represents a GraphQL HTTP response
type GraphQLResponse struct {
	Data   any            `json:"data,omitempty"`
	Errors []GraphQLError `json:"errors,omitempty"`
}

// GraphQLError represents a GraphQL error
type GraphQLError struct {
	Message string `json:"message"`
}

// Field resolution falls back to the response structs' field names.
var (
	progressType = graphql.NewObject(graphql.ObjectConfig{
		Name: "Progress",
		Fields: graphql.Fields{
			"completed":   &graphql.Field{Type: graphql.Int},
			"total":       &graphql.Field{Type: graphql.Int},
			"docsPushed":  &graphql.Field{Type: graphql.Int},
			"docsFailed":  &graphql.Field{Type: graphql.Int},
			"bytesPushed": &graphql.Field{Type: graphql.Float},
		},
	})

	statusType = graphql.NewObject(graphql.ObjectConfig{
		Name: "Status",
		Fields: graphql.Fields{
			"level":         &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
			"willRetry":     &graphql.Field{Type: graphql.Boolean},
			"hostReachable": &graphql.Field{Type: graphql.Boolean},
			"suspended":     &graphql.Field{Type: graphql.Boolean},
			"error":         &graphql.Field{Type: graphql.String},
			"progress":      &graphql.Field{Type: progressType},
			"timestamp":     &graphql.Field{Type: graphql.DateTime},
		},
	})

	checkpointType = graphql.NewObject(graphql.ObjectConfig{
		Name: "Checkpoint",
		Fields: graphql.Fields{
			"id":                &graphql.Field{Type: graphql.String},
			"localMinSequence":  &graphql.Field{Type: graphql.Float},
			"remoteMinSequence": &graphql.Field{Type: graphql.String},
			"pendingSequences":  &graphql.Field{Type: graphql.Int},
			"unsaved":           &graphql.Field{Type: graphql.Boolean},
		},
	})
)

func (s *Server) buildSchema() (graphql.Schema, error) {
	query := graphql.NewObject(graphql.ObjectConfig{
		Name: "Query",
		Fields: graphql.Fields{
			"status": &graphql.Field{
				Type: graphql.NewNonNull(statusType),
				Resolve: func(p graphql.ResolveParams) (any, error) {
					return NewStatusResponse(s.rep.Status(), s.clock.Now()), nil
				},
			},
			"checkpoint": &graphql.Field{
				Type: checkpointType,
				Resolve: func(p graphql.ResolveParams) (any, error) {
					cp, ok := s.checkpoint()
					if !ok {
						return nil, nil
					}
					return cp, nil
				},
			},
		},
	})

	mutation := graphql.NewObject(graphql.ObjectConfig{
		Name: "Mutation",
		Fields: graphql.Fields{
			"retry": &graphql.Field{
				Type: statusType,
				Args: graphql.FieldConfigArgument{
					"reset": &graphql.ArgumentConfig{Type: graphql.Boolean, DefaultValue: false},
				},
				Resolve: func(p graphql.ResolveParams) (any, error) {
					reset, _ := p.Args["reset"].(bool)
					if err := s.rep.Retry(reset); err != nil {
						return nil, err
					}
					return NewStatusResponse(s.rep.Status(), s.clock.Now()), nil
				},
			},
			"setSuspended": &graphql.Field{
				Type: graphql.Boolean,
				Args: graphql.FieldConfigArgument{
					"suspended": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.Boolean)},
				},
				Resolve: func(p graphql.ResolveParams) (any, error) {
					suspended := p.Args["suspended"].(bool)
					s.rep.SetSuspended(suspended)
					return suspended, nil
				},
			},
			"setHostReachable": &graphql.Field{
				Type: graphql.Boolean,
				Args: graphql.FieldConfigArgument{
					"reachable": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.Boolean)},
				},
				Resolve: func(p graphql.ResolveParams) (any, error) {
					reachable := p.Args["reachable"].(bool)
					s.rep.SetHostReachable(reachable)
					return reachable, nil
				},
			},
		},
	})

	return graphql.NewSchema(graphql.SchemaConfig{Query: query, Mutation: mutation})
}

func (s *Server) handleGraphQL(w http.ResponseWriter, r *http.Request) {
	var req GraphQLRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result := graphql.Do(graphql.Params{
		Schema:         s.schema,
		RequestString:  req.Query,
		VariableValues: req.Variables,
		OperationName:  req.OperationName,
		Context:        r.Context(),
	})

	response := GraphQLResponse{Data: result.Data}
	for _, err := range result.Errors {
		response.Errors = append(response.Errors, GraphQLError{Message: err.Message})
	}
	s.respondJSON(w, http.StatusOK, response)
}
